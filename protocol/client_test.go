package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/paykit/types"
)

type countingSigner struct {
	calls int
}

func (s *countingSigner) Address() string {
	return "0x3333333333333333333333333333333333333333"
}

func (s *countingSigner) SignAuthorization(ctx context.Context, auth *types.ExactAuthorization, requirements *types.PaymentRequirements) (string, error) {
	s.calls++
	return "0xsignature", nil
}

func challenge(amount string) *types.PaymentRequiredResponse {
	return &types.PaymentRequiredResponse{
		ProtocolVersion: types.ProtocolVersion,
		Accepts: []types.PaymentRequirements{{
			Scheme:            types.SchemeExact,
			Network:           string(types.NetworkBaseSepolia),
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:            amount,
			PayTo:             "0x1111111111111111111111111111111111111111",
			MaxTimeoutSeconds: 600,
		}},
	}
}

func TestBuildPaymentProducesValidHeader(t *testing.T) {
	signer := &countingSigner{}
	client, err := NewClient(signer, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	header, err := client.BuildPayment(context.Background(), challenge("3990000"))
	require.NoError(t, err)

	payload, err := DecodePayment(header)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolVersion, payload.ProtocolVersion)
	assert.Equal(t, types.SchemeExact, payload.Scheme)

	exact, err := DecodeExactPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "0xsignature", exact.Signature)
	assert.Equal(t, signer.Address(), exact.Authorization.From)
	assert.Equal(t, "3990000", exact.Authorization.Value)
	assert.Len(t, exact.Authorization.Nonce, 2+64)

	after, err := strconv.ParseInt(exact.Authorization.ValidAfter, 10, 64)
	require.NoError(t, err)
	before, err := strconv.ParseInt(exact.Authorization.ValidBefore, 10, 64)
	require.NoError(t, err)
	assert.Less(t, after, before)
}

func TestBuildPaymentNoncesAreUnique(t *testing.T) {
	client, err := NewClient(&countingSigner{}, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	nonce := func() string {
		header, err := client.BuildPayment(context.Background(), challenge("100"))
		require.NoError(t, err)
		payload, err := DecodePayment(header)
		require.NoError(t, err)
		exact, err := DecodeExactPayload(payload)
		require.NoError(t, err)
		return exact.Authorization.Nonce
	}
	assert.NotEqual(t, nonce(), nonce())
}

func TestPerCallPolicyRunsBeforeSigner(t *testing.T) {
	signer := &countingSigner{}
	client, err := NewClient(signer, types.NetworkBaseSepolia, SpendPolicy{MaxPerCall: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	_, err = client.BuildPayment(context.Background(), challenge("5000"))
	require.Error(t, err)
	assert.Equal(t, types.ErrPolicyViolation, types.CodeOf(err))
	assert.Equal(t, 0, signer.calls, "a rejected payment must cost no signature")

	_, err = client.BuildPayment(context.Background(), challenge("1000"))
	require.NoError(t, err)
	assert.Equal(t, 1, signer.calls)
}

func TestDailyCallLimitResetsNextDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	signer := &countingSigner{}
	client, err := NewClient(signer, types.NetworkBaseSepolia, SpendPolicy{MaxDailyCalls: 2},
		WithClientClock(func() time.Time { return now }))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.BuildPayment(context.Background(), challenge("100"))
		require.NoError(t, err)
	}

	_, err = client.BuildPayment(context.Background(), challenge("100"))
	require.Error(t, err)
	assert.Equal(t, types.ErrPolicyViolation, types.CodeOf(err))
	assert.Equal(t, 2, signer.calls)

	now = now.AddDate(0, 0, 1)
	_, err = client.BuildPayment(context.Background(), challenge("100"))
	require.NoError(t, err)
}

func TestBuildPaymentRejectsUnusableChallenges(t *testing.T) {
	client, err := NewClient(&countingSigner{}, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	_, err = client.BuildPayment(context.Background(), &types.PaymentRequiredResponse{
		ProtocolVersion: types.ProtocolVersion,
	})
	require.Error(t, err)

	bad := challenge("100")
	bad.Accepts[0].Scheme = "subscription"
	_, err = client.BuildPayment(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))

	versioned := challenge("100")
	versioned.ProtocolVersion = 99
	_, err = client.BuildPayment(context.Background(), versioned)
	require.Error(t, err)
	assert.Equal(t, types.ErrProtocol, types.CodeOf(err))
}

func TestBuildPaymentSelectsTargetNetworkEntry(t *testing.T) {
	signer := &countingSigner{}
	client, err := NewClient(signer, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	// The server lists another network first; the client must pick the
	// entry for the network its funds live on, not the first offered.
	multi := challenge("100")
	polygonEntry := multi.Accepts[0]
	polygonEntry.Network = string(types.NetworkPolygon)
	polygonEntry.Amount = "999999"
	multi.Accepts = []types.PaymentRequirements{polygonEntry, challenge("100").Accepts[0]}

	header, err := client.BuildPayment(context.Background(), multi)
	require.NoError(t, err)
	payload, err := DecodePayment(header)
	require.NoError(t, err)
	assert.Equal(t, string(types.NetworkBaseSepolia), payload.Network)
	exact, err := DecodeExactPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "100", exact.Authorization.Value)
}

func TestBuildPaymentRejectsForeignNetworkOnlyChallenge(t *testing.T) {
	signer := &countingSigner{}
	client, err := NewClient(signer, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	foreign := challenge("100")
	foreign.Accepts[0].Network = string(types.NetworkPolygon)

	_, err = client.BuildPayment(context.Background(), foreign)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))
	assert.Equal(t, 0, signer.calls, "nothing gets signed for a network the buyer cannot pay on")
}

func TestNewClientRejectsUnknownNetwork(t *testing.T) {
	_, err := NewClient(&countingSigner{}, types.Network("solana-mainnet"), SpendPolicy{})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))
}

func TestDoRetriesExactlyOnceOn402(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get(HeaderPayment) == "" {
			header, err := EncodePaymentRequired(challenge("100"))
			require.NoError(t, err)
			w.Header().Set(HeaderPaymentRequired, header)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(&countingSigner{}, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, requests)
}

func TestDoReturnsSecond402AsIs(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		header, err := EncodePaymentRequired(challenge("100"))
		require.NoError(t, err)
		w.Header().Set(HeaderPaymentRequired, header)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	client, err := NewClient(&countingSigner{}, types.NetworkBaseSepolia, SpendPolicy{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 2, requests, "the client never loops on repeated challenges")
}
