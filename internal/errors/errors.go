package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	ErrSignatureInvalid          = errors.New("webhook signature invalid")
	ErrPayloadInvalid            = errors.New("webhook payload invalid")
	ErrProviderNotConfigured     = errors.New("billing provider not configured")
	ErrLinkAlreadyExists         = errors.New("organization already linked to a different customer")
	ErrUnsafeDeletion            = errors.New("customer deletion refused")
	ErrManualReviewRequired      = errors.New("manual review required")
	ErrAgreementRecordingFailure = errors.New("agreement acceptance could not be recorded")
)

// Kind represents the category of a billing error.
type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindInvalidInput              Kind = "invalid_input"
	KindSignatureInvalid          Kind = "signature_invalid"
	KindPayloadInvalid            Kind = "payload_invalid"
	KindProviderNotConfigured     Kind = "provider_not_configured"
	KindLinkAlreadyExists         Kind = "link_already_exists"
	KindUnsafeDeletion            Kind = "unsafe_deletion"
	KindManualReviewRequired      Kind = "manual_review"
	KindAgreementRecordingFailure Kind = "agreement_recording_failure"
	KindInternal                  Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindNotFound:                  ErrNotFound,
	KindInvalidInput:              ErrInvalidInput,
	KindSignatureInvalid:          ErrSignatureInvalid,
	KindPayloadInvalid:            ErrPayloadInvalid,
	KindProviderNotConfigured:     ErrProviderNotConfigured,
	KindLinkAlreadyExists:         ErrLinkAlreadyExists,
	KindUnsafeDeletion:            ErrUnsafeDeletion,
	KindManualReviewRequired:      ErrManualReviewRequired,
	KindAgreementRecordingFailure: ErrAgreementRecordingFailure,
}

// BillingError is a structured error for reconciliation operations.
type BillingError struct {
	Kind   Kind
	Op     string // Operation that failed (e.g., "link_customer", "resolve_conflict")
	Detail string // Human readable safety rule or reason, surfaced to operators
	Err    error  // Underlying error
}

func (e *BillingError) Error() string {
	msg := e.Detail
	if msg == "" {
		if sentinel, ok := kindSentinels[e.Kind]; ok {
			msg = sentinel.Error()
		} else {
			msg = string(e.Kind)
		}
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a BillingError of the given kind.
func New(kind Kind, op, detail string) *BillingError {
	return &BillingError{Kind: kind, Op: op, Detail: detail}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *BillingError {
	return &BillingError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first BillingError in the chain, falling
// back to sentinel matching for bare wrapped sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	return string(KindOf(err))
}

// Detail returns the operator-facing detail message for err.
func Detail(err error) string {
	var be *BillingError
	if errors.As(err, &be) && be.Detail != "" {
		return be.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps err to the status code returned by HTTP handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput, KindPayloadInvalid:
		return http.StatusBadRequest
	case KindSignatureInvalid:
		return http.StatusUnauthorized
	case KindProviderNotConfigured:
		return http.StatusServiceUnavailable
	case KindLinkAlreadyExists, KindUnsafeDeletion, KindManualReviewRequired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsPermanent reports whether a retry of the same input can never succeed.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindSignatureInvalid, KindPayloadInvalid:
		return true
	default:
		return false
	}
}
