package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"StreamVest-Chain/internal/agreement"
	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/internal/events"
	"StreamVest-Chain/internal/transfer"
)

var (
	apiToken     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	apiSender    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	apiRecipient = common.HexToAddress("0x3000000000000000000000000000000000000003")
	apiCustody   = common.HexToAddress("0xc00000000000000000000000000000000000000c")
)

type apiClock struct {
	now int64
}

func (c *apiClock) Now() int64 { return c.now }

func newTestServer(t *testing.T) (*Server, *apiClock) {
	t.Helper()

	backend := transfer.NewMemoryBackend(apiCustody)
	backend.Mint(apiToken, apiSender, big.NewInt(10_000))
	backend.Approve(apiToken, apiSender, big.NewInt(10_000))

	clock := &apiClock{now: 1_700_000_000}
	service := agreement.NewService(
		agreement.NewMemoryStore(),
		transfer.NewCoordinator(backend, apiCustody),
		events.NewMemoryPublisher(),
		agreement.WithClock(clock.Now),
	)
	return NewServer(":0", service), clock
}

func postJSON(t *testing.T, handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func getRequest(t *testing.T, handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	decodeBody(t, recorder, &body)
	return body
}

func createAgreement(t *testing.T, server *Server, clock *apiClock, total int64, duration, startOffset int64) *agreement.Agreement {
	t.Helper()
	payload := fmt.Sprintf(`{
		"token": %q,
		"recipient": %q,
		"total_amount": "%d",
		"duration": %d,
		"start": %d,
		"caller": %q
	}`, apiToken.Hex(), apiRecipient.Hex(), total, duration, clock.now+startOffset, apiSender.Hex())

	recorder := postJSON(t, server.handleAgreements, "/api/v1/agreements", payload)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var created agreement.Agreement
	decodeBody(t, recorder, &created)
	return &created
}

func TestCreateAndFetchAgreement(t *testing.T) {
	server, clock := newTestServer(t)

	created := createAgreement(t, server, clock, 500, 600, 0)
	if created.ID != 1 {
		t.Fatalf("created id = %d, want 1", created.ID)
	}
	if created.TotalAmount.Cmp(big.NewInt(500)) != 0 || !created.Active {
		t.Fatalf("unexpected created record: %+v", created)
	}

	recorder := getRequest(t, server.handleAgreementRoutes, "/api/v1/agreements/1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("detail status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var fetched agreement.Agreement
	decodeBody(t, recorder, &fetched)
	if fetched.ID != 1 || fetched.Sender != apiSender || fetched.Recipient != apiRecipient {
		t.Fatalf("unexpected detail: %+v", fetched)
	}
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := postJSON(t, server.handleAgreements, "/api/v1/agreements", "{not json")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %s", body.Code)
	}
}

func TestCreateRejectsNonDecimalAmount(t *testing.T) {
	server, clock := newTestServer(t)

	payload := fmt.Sprintf(`{
		"token": %q,
		"recipient": %q,
		"total_amount": "1.5",
		"duration": 600,
		"start": %d,
		"caller": %q
	}`, apiToken.Hex(), apiRecipient.Hex(), clock.now, apiSender.Hex())

	recorder := postJSON(t, server.handleAgreements, "/api/v1/agreements", payload)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestDetailNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := getRequest(t, server.handleAgreementRoutes, "/api/v1/agreements/99")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != string(agreement.CodeAgreementNotFound) {
		t.Fatalf("error code = %s", body.Code)
	}
}

func TestInvalidIDSegment(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := getRequest(t, server.handleAgreementRoutes, "/api/v1/agreements/abc")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestWithdrawEndpoint(t *testing.T) {
	server, clock := newTestServer(t)
	created := createAgreement(t, server, clock, 500, 600, 0)

	clock.now += 300
	recorder := postJSON(t, server.handleAgreementRoutes, fmt.Sprintf("/api/v1/agreements/%d/withdraw", created.ID), "{}")
	if recorder.Code != http.StatusOK {
		t.Fatalf("withdraw status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var result struct {
		Amount     *big.Int `json:"amount"`
		ReleasedAt int64    `json:"released_at"`
	}
	decodeBody(t, recorder, &result)
	if result.Amount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("withdrawn amount = %s, want 250", result.Amount)
	}
	if result.ReleasedAt != clock.now {
		t.Fatalf("released_at = %d, want %d", result.ReleasedAt, clock.now)
	}

	// Nothing newly vested at the same instant.
	recorder = postJSON(t, server.handleAgreementRoutes, fmt.Sprintf("/api/v1/agreements/%d/withdraw", created.ID), "{}")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("repeat withdraw status = %d, want 422", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != string(agreement.CodeNothingToRelease) {
		t.Fatalf("error code = %s", body.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	server, clock := newTestServer(t)
	created := createAgreement(t, server, clock, 500, 600, 0)
	target := fmt.Sprintf("/api/v1/agreements/%d/cancel", created.ID)

	t.Run("unauthorized caller", func(t *testing.T) {
		recorder := postJSON(t, server.handleAgreementRoutes, target,
			`{"caller": "0x4000000000000000000000000000000000000004"}`)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", recorder.Code)
		}
	})

	t.Run("sender cancels halfway", func(t *testing.T) {
		clock.now += 300
		recorder := postJSON(t, server.handleAgreementRoutes, target,
			fmt.Sprintf(`{"caller": %q}`, apiSender.Hex()))
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
		}
		var result struct {
			AmountReleased  *big.Int `json:"amount_released"`
			AmountCancelled *big.Int `json:"amount_cancelled"`
		}
		decodeBody(t, recorder, &result)
		if result.AmountReleased.Cmp(big.NewInt(250)) != 0 || result.AmountCancelled.Cmp(big.NewInt(250)) != 0 {
			t.Fatalf("split = %s/%s, want 250/250", result.AmountReleased, result.AmountCancelled)
		}
	})

	t.Run("terminal agreement conflicts", func(t *testing.T) {
		recorder := postJSON(t, server.handleAgreementRoutes, target,
			fmt.Sprintf(`{"caller": %q}`, apiSender.Hex()))
		if recorder.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", recorder.Code)
		}
	})
}

func TestListEndpoint(t *testing.T) {
	server, clock := newTestServer(t)
	for i := 0; i < 3; i++ {
		createAgreement(t, server, clock, 100, 600, 0)
	}

	recorder := getRequest(t, server.handleAgreements, "/api/v1/agreements?limit=2")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d", recorder.Code)
	}
	var results []*agreement.Agreement
	decodeBody(t, recorder, &results)
	if len(results) != 2 || results[0].ID != 3 {
		t.Fatalf("unexpected page: %+v", results)
	}

	recorder = getRequest(t, server.handleAgreements,
		"/api/v1/agreements?sender=0x9999999999999999999999999999999999999999")
	decodeBody(t, recorder, &results)
	if len(results) != 0 {
		t.Fatalf("sender filter matched %d, want 0", len(results))
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, clock := newTestServer(t)
	createAgreement(t, server, clock, 100, 600, 0)
	createAgreement(t, server, clock, 200, 600, 0)

	recorder := getRequest(t, server.handleAgreementRoutes, "/api/v1/agreements/stats")
	if recorder.Code != http.StatusOK {
		t.Fatalf("stats status = %d", recorder.Code)
	}
	var stats agreement.Stats
	decodeBody(t, recorder, &stats)
	if stats.Total != 2 || stats.Active != 2 || stats.TotalLocked != "300" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agreements", nil)
	recorder := httptest.NewRecorder()
	server.handleAgreements(recorder, req)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", recorder.Code)
	}
}

func TestWriteErrorMarksRetryableFailures(t *testing.T) {
	recorder := httptest.NewRecorder()
	writeError(recorder, xerrors.New(xerrors.CodeStorageFailure, "", xerrors.WithRetryable(true)))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", recorder.Code)
	}
	if got := recorder.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want \"1\"", got)
	}

	recorder = httptest.NewRecorder()
	writeError(recorder, xerrors.New(xerrors.CodeInvalidArgument, ""))
	if got := recorder.Header().Get("Retry-After"); got != "" {
		t.Fatalf("Retry-After set on a non-retryable error: %q", got)
	}
}
