package types

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the numeric rejection reason surfaced by the status API.
type ErrorCode int

const (
	ErrorCodeInvalidFormat       ErrorCode = 0
	ErrorCodeInvalidSignature    ErrorCode = 1
	ErrorCodeInvalidContent      ErrorCode = 2
	ErrorCodeContentUnavailable  ErrorCode = 3
	ErrorCodePermissionDenied    ErrorCode = 4
	ErrorCodeBalanceInsufficient ErrorCode = 5
	ErrorCodeForgottenDuplicate  ErrorCode = 6

	ErrorCodePostAmendNoTarget       ErrorCode = 100
	ErrorCodePostAmendTargetNotFound ErrorCode = 101
	ErrorCodePostAmendAmend          ErrorCode = 102

	ErrorCodeStoreRefNotFound ErrorCode = 200
	ErrorCodeStoreUpdateRef   ErrorCode = 201

	ErrorCodeVMRefNotFound        ErrorCode = 300
	ErrorCodeVMVolumeNotFound     ErrorCode = 301
	ErrorCodeVMUpdateNotAllowed   ErrorCode = 302
	ErrorCodeVMUpdateWrongVersion ErrorCode = 303
	ErrorCodeVMVolumeTooSmall     ErrorCode = 304

	ErrorCodeForgetTargetNotFound ErrorCode = 400
	ErrorCodeForgetForget         ErrorCode = 401
	ErrorCodeForgetNotAllowed     ErrorCode = 402

	ErrorCodeInternal ErrorCode = 500
)

// Sentinel pipeline errors. Wrap them with pkg/errors to add context; the
// processor classifies with errors.Is.
var (
	ErrInvalidFormat      = &ProcessingError{Code: ErrorCodeInvalidFormat, Reason: "invalid message format"}
	ErrInvalidSignature   = &ProcessingError{Code: ErrorCodeInvalidSignature, Reason: "invalid signature"}
	ErrInvalidContent     = &ProcessingError{Code: ErrorCodeInvalidContent, Reason: "invalid content"}
	ErrContentUnavailable = &ProcessingError{Code: ErrorCodeContentUnavailable, Reason: "content currently unavailable", Retry: true}
	ErrContentGone        = &ProcessingError{Code: ErrorCodeContentUnavailable, Reason: "message content unavailable"}
	ErrPermissionDenied   = &ProcessingError{Code: ErrorCodePermissionDenied, Reason: "permission denied"}
	ErrInsufficientBalance = &ProcessingError{Code: ErrorCodeBalanceInsufficient, Reason: "insufficient balance"}
	ErrForgottenDuplicate = &ProcessingError{Code: ErrorCodeForgottenDuplicate, Reason: "message already forgotten"}

	ErrAmendNoTarget       = &ProcessingError{Code: ErrorCodePostAmendNoTarget, Reason: "amend post without ref"}
	ErrAmendTargetNotFound = &ProcessingError{Code: ErrorCodePostAmendTargetNotFound, Reason: "amend target not found", Retry: true}
	ErrAmendOfAmend        = &ProcessingError{Code: ErrorCodePostAmendAmend, Reason: "cannot amend an amend"}

	ErrStoreRefNotFound = &ProcessingError{Code: ErrorCodeStoreRefNotFound, Reason: "store ref not found", Retry: true}
	ErrStoreUpdateRef   = &ProcessingError{Code: ErrorCodeStoreUpdateRef, Reason: "cannot update a store that has a ref"}

	ErrVMRefNotFound        = &ProcessingError{Code: ErrorCodeVMRefNotFound, Reason: "vm ref not found", Retry: true}
	ErrVMVolumeNotFound     = &ProcessingError{Code: ErrorCodeVMVolumeNotFound, Reason: "vm volume not found", Retry: true}
	ErrVMUpdateNotAllowed   = &ProcessingError{Code: ErrorCodeVMUpdateNotAllowed, Reason: "vm update not allowed"}
	ErrVMUpdateWrongVersion = &ProcessingError{Code: ErrorCodeVMUpdateWrongVersion, Reason: "vm update targets an update"}
	ErrVMVolumeTooSmall     = &ProcessingError{Code: ErrorCodeVMVolumeTooSmall, Reason: "volume smaller than parent"}

	ErrForgetTargetNotFound = &ProcessingError{Code: ErrorCodeForgetTargetNotFound, Reason: "forget target not found", Retry: true}
	ErrForgetForget         = &ProcessingError{Code: ErrorCodeForgetForget, Reason: "cannot forget a FORGET message"}
	ErrForgetNotAllowed     = &ProcessingError{Code: ErrorCodeForgetNotAllowed, Reason: "forget not allowed"}
)

// ProcessingError is a pipeline failure with a rejection code. Retry marks
// transient conditions: the message goes back to the pending queue with a
// backoff instead of being rejected outright.
type ProcessingError struct {
	Code    ErrorCode
	Reason  string
	Retry   bool
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

// Is matches any ProcessingError carrying the same code, so wrapped
// sentinels compare with errors.Is.
func (e *ProcessingError) Is(target error) bool {
	var pe *ProcessingError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code && pe.Reason == e.Reason
}

// WithDetails returns a copy carrying structured details for the rejection
// row.
func (e *ProcessingError) WithDetails(details map[string]interface{}) *ProcessingError {
	dup := *e
	dup.Details = details
	return &dup
}

// DetailsJSON renders the structured details, or nil when there are none.
func (e *ProcessingError) DetailsJSON() json.RawMessage {
	if len(e.Details) == 0 {
		return nil
	}
	raw, err := json.Marshal(map[string]interface{}{"errors": []interface{}{e.Details}})
	if err != nil {
		return nil
	}
	return raw
}

// ClassifyError extracts the processing error from err, mapping unknown
// failures to a retryable internal error so that crashes never reject a
// possibly valid message.
func ClassifyError(err error) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProcessingError{Code: ErrorCodeInternal, Reason: err.Error(), Retry: true}
}
