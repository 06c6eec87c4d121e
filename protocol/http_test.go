package protocol

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/paykit/types"
)

func TestMiddlewareChallengesUnpaidRequests(t *testing.T) {
	stub := &stubFacilitator{name: "primary"}
	engine := newTestEngine(t, stub)

	handler := Middleware(engine, func(r *http.Request) decimal.Decimal {
		return decimal.RequireFromString("3.99")
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without payment")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/translate", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	decoded, err := DecodePaymentRequired(rec.Header().Get(HeaderPaymentRequired))
	require.NoError(t, err)
	require.Len(t, decoded.Accepts, 1)
	assert.Equal(t, "3990000", decoded.Accepts[0].Amount)

	// The body carries the same challenge for clients that ignore headers.
	body, err := NormalizeRequirements(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, decoded.Accepts, body.Accepts)
}

func TestMiddlewareZeroPriceBypasses(t *testing.T) {
	stub := &stubFacilitator{name: "primary"}
	engine := newTestEngine(t, stub)

	handler := Middleware(engine, func(r *http.Request) decimal.Decimal {
		return decimal.Zero
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "free")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "free", rec.Body.String())
	assert.Equal(t, 0, stub.verifyCalls)
}

func TestMiddlewarePaidRequestFlowsThrough(t *testing.T) {
	stub := &stubFacilitator{
		name:   "primary",
		verify: &types.VerifyResult{Valid: true, FacilitatorName: "primary"},
		settle: &types.SettleResult{Success: true, Transaction: "0xdeadbeef", Network: "base-sepolia", FacilitatorName: "primary"},
	}
	engine := newTestEngine(t, stub)

	handler := Middleware(engine, func(r *http.Request) decimal.Decimal {
		return decimal.NewFromInt(1)
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "bonjour")
	}))

	req := httptest.NewRequest(http.MethodGet, "/translate", nil)
	req.Header.Set(HeaderPayment, validPaymentHeader(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bonjour", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	settled, err := DecodeSettlementHeader(rec.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, settled.Success)
	assert.Equal(t, "0xdeadbeef", settled.Transaction)
}

func TestMiddlewareFailingHandlerIsNeverCharged(t *testing.T) {
	stub := &stubFacilitator{
		name:   "primary",
		verify: &types.VerifyResult{Valid: true, FacilitatorName: "primary"},
		settle: &types.SettleResult{Success: true, Transaction: "0xdeadbeef", FacilitatorName: "primary"},
	}
	engine := newTestEngine(t, stub)

	handler := Middleware(engine, func(r *http.Request) decimal.Decimal {
		return decimal.NewFromInt(1)
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream model unavailable", http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/translate", nil)
	req.Header.Set(HeaderPayment, validPaymentHeader(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 0, stub.settleCalls, "a handler failure must never be settled")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream model unavailable")
	assert.Empty(t, rec.Header().Get(HeaderPaymentResponse))
}

func TestMiddlewareSettlementFailureStillServesResult(t *testing.T) {
	stub := &stubFacilitator{
		name:   "primary",
		verify: &types.VerifyResult{Valid: true, FacilitatorName: "primary"},
		settle: &types.SettleResult{Success: false, Error: "chain congestion", FacilitatorName: "primary"},
	}
	engine := newTestEngine(t, stub)

	handler := Middleware(engine, func(r *http.Request) decimal.Decimal {
		return decimal.NewFromInt(1)
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "bonjour")
	}))

	req := httptest.NewRequest(http.MethodGet, "/translate", nil)
	req.Header.Set(HeaderPayment, validPaymentHeader(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bonjour", rec.Body.String())

	settled, err := DecodeSettlementHeader(rec.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	assert.False(t, settled.Success)
}
