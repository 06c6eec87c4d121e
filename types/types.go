// Package types defines the wire and result types shared by the paykit
// payment protocol engine, the facilitator registry and the wallet layer.
package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProtocolVersion is the protocol revision this library speaks.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme supported by the core.
const SchemeExact = "exact"

// PaymentRequirements describes what a server accepts as payment for one
// priced request. Constructed fresh per request; never mutated afterwards.
type PaymentRequirements struct {
	// Scheme of the payment protocol. Only "exact" is supported.
	Scheme string `json:"scheme" validate:"required,eq=exact"`

	// Network is the chain-namespaced identifier, e.g. "base-sepolia".
	Network string `json:"network" validate:"required"`

	// Asset is the token contract address payment must use.
	Asset string `json:"asset" validate:"required"`

	// Amount in the token's smallest unit, as a decimal integer string.
	Amount string `json:"amount" validate:"required,number"`

	// PayTo is the address payment must be sent to.
	PayTo string `json:"payTo" validate:"required"`

	// MaxTimeoutSeconds hints how long a signed authorization should stay
	// valid. Contractual guidance for the signer, not enforced server-side.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Extra carries opaque scheme hints, e.g. the EIP-712 signing domain
	// {"name": "USDC", "version": "2"}.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Validate checks the requirements against their struct tags.
func (pr *PaymentRequirements) Validate() error {
	if err := validate.Struct(pr); err != nil {
		return fmt.Errorf("invalid payment requirements: %w", err)
	}
	return nil
}

// PaymentRequiredResponse is the body (and base64 header value) of a 402
// response: everything a client needs to construct a valid payment.
type PaymentRequiredResponse struct {
	ProtocolVersion int                   `json:"protocolVersion"`
	Accepts         []PaymentRequirements `json:"accepts"`
	Resource        string                `json:"resource,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// PaymentPayload is the proof a client attaches to its retry. Ephemeral:
// it lives for one request and is never persisted.
type PaymentPayload struct {
	ProtocolVersion int    `json:"protocolVersion" validate:"required,gt=0"`
	Scheme          string `json:"scheme" validate:"required"`
	Network         string `json:"network" validate:"required"`

	// Payload is the base64-encoded signed authorization, opaque to the
	// engine and interpreted only by facilitators.
	Payload string `json:"payload" validate:"required,base64"`
}

// Validate checks the payload structure before any network call is made.
func (p *PaymentPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid payment payload: %w", err)
	}
	return nil
}

// ExactAuthorization is the structured, versioned message a buyer signs for
// the "exact" scheme. Purely off-chain; redeemed by a facilitator.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload pairs an authorization with its signature. This is what ends
// up base64-encoded inside PaymentPayload.Payload.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// VerifyResult is a facilitator's verdict on a payment authorization.
// FacilitatorName records which backend produced it.
type VerifyResult struct {
	Valid           bool   `json:"isValid"`
	Error           string `json:"error,omitempty"`
	Payer           string `json:"payer,omitempty"`
	FacilitatorName string `json:"facilitatorName"`
}

// SettleResult is the outcome of a settlement attempt.
type SettleResult struct {
	Success         bool   `json:"success"`
	Transaction     string `json:"transaction,omitempty"`
	Network         string `json:"network,omitempty"`
	Error           string `json:"error,omitempty"`
	FacilitatorName string `json:"facilitatorName"`
}

// SettlementHeader is the base64 payment-response header attached to a
// successful (or pending) paid response.
type SettlementHeader struct {
	Success         bool   `json:"success"`
	Transaction     string `json:"transaction,omitempty"`
	Network         string `json:"network,omitempty"`
	FacilitatorName string `json:"facilitatorName,omitempty"`
}

// FacilitatorRequest is the body POSTed to a facilitator backend for both
// verify and settle calls.
type FacilitatorRequest struct {
	ProtocolVersion     int                 `json:"protocolVersion"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// FacilitatorVerifyResponse is a backend's verify reply.
type FacilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleResponse is a backend's settle reply.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Status      string `json:"status,omitempty"`
}
