package types

import "errors"

// Error codes. The transient/permanent split for facilitator failures is
// decided at the transport boundary, never re-derived from message text.
const (
	ErrProtocol             = "PROTOCOL_ERROR"
	ErrSignatureInvalid     = "SIGNATURE_INVALID"
	ErrFacilitatorTransient = "FACILITATOR_TRANSIENT"
	ErrFacilitatorPermanent = "FACILITATOR_PERMANENT"
	ErrWorkFailed           = "WORK_FAILED"
	ErrSettlementFailed     = "SETTLEMENT_FAILED"
	ErrPolicyViolation      = "POLICY_VIOLATION"
	ErrAuditIntegrity       = "AUDIT_INTEGRITY"
	ErrUnsupportedNetwork   = "UNSUPPORTED_NETWORK"
	ErrConfig               = "CONFIG_ERROR"
)

// PayError is the structured error carried through the payment pipeline.
type PayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PayError) Error() string {
	return e.Message
}

// NewPayError builds a PayError with the given code.
func NewPayError(code, message string) *PayError {
	return &PayError{Code: code, Message: message}
}

// CodeOf extracts the PayError code from an error chain, or "" if the error
// is not a PayError.
func CodeOf(err error) string {
	var pe *PayError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsTransient reports whether err is a facilitator failure worth retrying
// against the next candidate.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrFacilitatorTransient
}

// IsPermanent reports whether err is a facilitator rejection that retrying
// elsewhere cannot fix.
func IsPermanent(err error) bool {
	return CodeOf(err) == ErrFacilitatorPermanent
}
