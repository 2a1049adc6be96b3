package agreement

import "github.com/ethereum/go-ethereum/common"

// SortOrder defines how results should be ordered when listing agreements.
type SortOrder int

const (
	// SortByIDDesc orders agreements by id descending (most recent first).
	SortByIDDesc SortOrder = iota
	// SortByIDAsc orders agreements by id ascending (oldest first).
	SortByIDAsc
)

// ListOptions controls how agreements are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	ActiveOnly bool
	Sender     *common.Address
	Recipient  *common.Address
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByIDAsc {
		opts.Order = SortByIDDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of agreements returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching agreements before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithActiveOnly restricts results to agreements that are still live.
func WithActiveOnly() ListOption {
	return func(opts *ListOptions) {
		opts.ActiveOnly = true
	}
}

// WithSender filters agreements funded by the provided address.
func WithSender(sender common.Address) ListOption {
	return func(opts *ListOptions) {
		opts.Sender = &sender
	}
}

// WithRecipient filters agreements paying out to the provided address.
func WithRecipient(recipient common.Address) ListOption {
	return func(opts *ListOptions) {
		opts.Recipient = &recipient
	}
}

// WithOrder sets the result ordering.
func WithOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func matchesListFilters(a *Agreement, opts ListOptions) bool {
	if opts.ActiveOnly && !a.Active {
		return false
	}
	if opts.Sender != nil && a.Sender != *opts.Sender {
		return false
	}
	if opts.Recipient != nil && a.Recipient != *opts.Recipient {
		return false
	}
	return true
}
