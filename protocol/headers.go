// Package protocol implements the request/response lifecycle that sequences
// prove-payment, do-the-work and capture-the-payment, on both the server and
// client sides of a priced call.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentpay/paykit/types"
)

// Wire header names.
const (
	HeaderPaymentRequired = "payment-required"
	HeaderPayment         = "payment"
	HeaderPaymentResponse = "payment-response"
)

// EncodePaymentRequired renders the 402 requirements as a base64 JSON header
// value.
func EncodePaymentRequired(resp *types.PaymentRequiredResponse) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal payment-required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentRequired parses a payment-required header or 402 body into
// the canonical internal representation. Both historical encodings of the
// requirements list are accepted and normalized here, at the boundary:
// downstream code never branches on shape again.
func DecodePaymentRequired(encoded string) (*types.PaymentRequiredResponse, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Raw JSON bodies arrive unencoded.
		data = []byte(encoded)
	}
	return NormalizeRequirements(data)
}

// NormalizeRequirements accepts either the wrapped-object encoding
// {"protocolVersion":1,"accepts":[...]} or the legacy bare array [...]
// and returns one canonical shape.
func NormalizeRequirements(data []byte) (*types.PaymentRequiredResponse, error) {
	var wrapped types.PaymentRequiredResponse
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Accepts) > 0 {
		if wrapped.ProtocolVersion == 0 {
			wrapped.ProtocolVersion = types.ProtocolVersion
		}
		return &wrapped, nil
	}

	var bare []types.PaymentRequirements
	if err := json.Unmarshal(data, &bare); err == nil && len(bare) > 0 {
		return &types.PaymentRequiredResponse{
			ProtocolVersion: types.ProtocolVersion,
			Accepts:         bare,
		}, nil
	}

	return nil, types.NewPayError(types.ErrProtocol, "unrecognized payment requirements encoding")
}

// EncodePayment renders a payment proof as a base64 JSON header value.
func EncodePayment(payload *types.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses the payment header attached to a retried request.
func DecodePayment(encoded string) (*types.PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.NewPayError(types.ErrProtocol, fmt.Sprintf("payment header is not base64: %v", err))
	}
	var payload types.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, types.NewPayError(types.ErrProtocol, fmt.Sprintf("payment header is not valid JSON: %v", err))
	}
	if err := payload.Validate(); err != nil {
		return nil, types.NewPayError(types.ErrProtocol, err.Error())
	}
	return &payload, nil
}

// DecodeExactPayload unpacks the opaque inner payload of an exact-scheme
// payment into its signature and structured authorization.
func DecodeExactPayload(payload *types.PaymentPayload) (*types.ExactPayload, error) {
	data, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		return nil, types.NewPayError(types.ErrProtocol, fmt.Sprintf("exact payload is not base64: %v", err))
	}
	var exact types.ExactPayload
	if err := json.Unmarshal(data, &exact); err != nil {
		return nil, types.NewPayError(types.ErrProtocol, fmt.Sprintf("exact payload is not valid JSON: %v", err))
	}
	return &exact, nil
}

// EncodeSettlementHeader renders the payment-response header value.
func EncodeSettlementHeader(h *types.SettlementHeader) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal payment-response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader parses a payment-response header.
func DecodeSettlementHeader(encoded string) (*types.SettlementHeader, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payment-response header: %w", err)
	}
	var h types.SettlementHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse payment-response header: %w", err)
	}
	return &h, nil
}
