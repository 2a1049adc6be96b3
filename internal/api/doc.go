// Package api exposes the REST surface for creating, querying, withdrawing
// from, and canceling vesting agreements. It maps the unified error codes of
// the service layer onto HTTP status codes and records request metrics for
// every handler.
package api
