// Package apperr defines the closed set of domain failures and their stable wire codes.
//
// Components return *Error values; transports translate them exactly once with RPC.
// errors.Is matches on Code, so callers can test against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrPixelLocked) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidParams          Code = "invalid_params"
	CodeInvalidSignature       Code = "invalid_signature"
	CodeCanvasNotFound         Code = "canvas_not_found"
	CodeCanvasNameExists       Code = "canvas_name_exists"
	CodeStateTransitionInvalid Code = "state_transition_invalid"
	CodeCanvasNotPublished     Code = "canvas_not_published"
	CodeNotCanvasOwner         Code = "not_canvas_owner"
	CodeNotCollaborator        Code = "not_collaborator"
	CodeNotPixelOwner          Code = "not_pixel_owner"
	CodePixelLocked            Code = "pixel_locked"
	CodeBidTooLow              Code = "bid_too_low"
	CodeCooldownActive         Code = "cooldown_active"
	CodeReservationNotFound    Code = "reservation_not_found"
	CodeTransactionFailed      Code = "transaction_failed"
	CodeChainCommunication     Code = "chain_communication"
	CodeRepository             Code = "repository"
	CodeLockStore              Code = "lock_store"
	CodeSerialization          Code = "serialization"
	CodeInternal               Code = "internal"
)

// rpcCodes maps each Code onto the JSON-RPC error integer of the public API.
var rpcCodes = map[Code]int{
	CodeInvalidParams:          -32602,
	CodeInvalidSignature:       -32012,
	CodeCanvasNotFound:         -32030,
	CodeCanvasNameExists:       -32033,
	CodeStateTransitionInvalid: -32031,
	CodeCanvasNotPublished:     -32032,
	CodeNotCanvasOwner:         -32034,
	CodeNotCollaborator:        -32035,
	CodeNotPixelOwner:          -32036,
	CodePixelLocked:            -32040,
	CodeBidTooLow:              -32041,
	CodeCooldownActive:         -32042,
	CodeReservationNotFound:    -32043,
	CodeTransactionFailed:      -32060,
	CodeChainCommunication:     -32061,
	CodeRepository:             -32070,
	CodeLockStore:              -32071,
	CodeSerialization:          -32072,
	CodeInternal:               -32603,
}

// Error is a typed domain failure.
type Error struct {
	Code    Code
	Message string
	Data    map[string]interface{}
	Err     error
}

// Sentinels for errors.Is checks. Never mutate these; use New, Wrap or With.
var (
	ErrInvalidParams          = &Error{Code: CodeInvalidParams, Message: "invalid parameters"}
	ErrInvalidSignature       = &Error{Code: CodeInvalidSignature, Message: "invalid signature"}
	ErrCanvasNotFound         = &Error{Code: CodeCanvasNotFound, Message: "canvas not found"}
	ErrCanvasNameExists       = &Error{Code: CodeCanvasNameExists, Message: "canvas name already exists"}
	ErrStateTransitionInvalid = &Error{Code: CodeStateTransitionInvalid, Message: "invalid state transition"}
	ErrCanvasNotPublished     = &Error{Code: CodeCanvasNotPublished, Message: "canvas is not published"}
	ErrNotCanvasOwner         = &Error{Code: CodeNotCanvasOwner, Message: "not the canvas owner"}
	ErrNotCollaborator        = &Error{Code: CodeNotCollaborator, Message: "not a collaborator"}
	ErrNotPixelOwner          = &Error{Code: CodeNotPixelOwner, Message: "not the pixel owner"}
	ErrPixelLocked            = &Error{Code: CodePixelLocked, Message: "pixel is locked"}
	ErrBidTooLow              = &Error{Code: CodeBidTooLow, Message: "bid too low"}
	ErrCooldownActive         = &Error{Code: CodeCooldownActive, Message: "cooldown active"}
	ErrReservationNotFound    = &Error{Code: CodeReservationNotFound, Message: "reservation not found"}
	ErrTransactionFailed      = &Error{Code: CodeTransactionFailed, Message: "transaction verification failed"}
	ErrChainCommunication     = &Error{Code: CodeChainCommunication, Message: "chain communication error"}
	ErrRepository             = &Error{Code: CodeRepository, Message: "repository error"}
	ErrLockStore              = &Error{Code: CodeLockStore, Message: "lock store error"}
	ErrSerialization          = &Error{Code: CodeSerialization, Message: "serialization error"}
)

// New creates an Error with a specific message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error carrying an underlying cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying an extra data field.
func (e *Error) With(key string, value interface{}) *Error {
	clone := *e
	clone.Data = make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		clone.Data[k] = v
	}
	clone.Data[key] = value
	return &clone
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// RPCError is the wire shape of an error in a JSON-RPC response.
type RPCError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// RPC translates any error into its wire form. Errors outside the taxonomy
// become internal errors and their details are not exposed.
func RPC(err error) *RPCError {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &RPCError{Code: rpcCodes[CodeInternal], Message: "internal error"}
	}

	data := map[string]interface{}{"error": string(e.Code)}
	for k, v := range e.Data {
		data[k] = v
	}

	code, ok := rpcCodes[e.Code]
	if !ok {
		code = rpcCodes[CodeInternal]
	}

	return &RPCError{Code: code, Message: e.Message, Data: data}
}
