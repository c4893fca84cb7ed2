package apperror

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure by how the caller has to react to it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindRequestFailed  Kind = "request_failed"
	KindServerRejected Kind = "server_rejected"
	KindUnauthorized   Kind = "unauthorized"
)

const (
	CodeEmptyCart           = "empty_cart"
	CodeInvalidPayment      = "invalid_payment"
	CodeInsufficientPayment = "insufficient_payment"
	CodeOutOfStock          = "out_of_stock"
	CodeInsufficientStock   = "insufficient_stock"
	CodeInvalidQuantity     = "invalid_quantity"
	CodeInvalidInput        = "invalid_input"
	CodeSubmitInProgress    = "submit_in_progress"
	CodeActionInProgress    = "action_in_progress"
	CodeActionUnavailable   = "action_unavailable"
	CodeNotFound            = "not_found"
	CodeNetwork             = "network"
	CodeRejected            = "rejected"
	CodeSessionExpired      = "session_expired"
)

const (
	MsgNetwork        = "Network error. Please check your connection."
	MsgSessionExpired = "Session expired. Please login again."
	MsgForbidden      = "You do not have permission to perform this action."
	MsgNotFound       = "Resource not found."
	MsgValidation     = "Validation failed."
	MsgServer         = "Server error. Please try again later."
	MsgGeneric        = "An error occurred."
)

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind    Kind         `json:"kind"`
	Code    string       `json:"code"`
	Status  int          `json:"status,omitempty"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"errors,omitempty"`
	Err     error        `json:"-"`
}

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so package-level sentinels work with errors.Is while
// carrying a per-call message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

func Validation(code string, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func Conflict(code string, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindValidation, Code: CodeNotFound, Status: http.StatusNotFound, Message: resource + " not found"}
}

func NewValidationError(fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: MsgValidation, Fields: fields}
}

func RequestFailed(err error) *Error {
	return &Error{Kind: KindRequestFailed, Code: CodeNetwork, Message: MsgNetwork, Err: err}
}

func Unauthorized(message string) *Error {
	if strings.TrimSpace(message) == "" {
		message = MsgSessionExpired
	}
	return &Error{Kind: KindUnauthorized, Code: CodeSessionExpired, Status: http.StatusUnauthorized, Message: message}
}

// ServerRejected keeps the server's message verbatim and only falls back to a
// status-specific text when the server gave none.
func ServerRejected(status int, message string, fields []FieldError) *Error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = fallbackMessage(status, fields)
	}
	return &Error{Kind: KindServerRejected, Code: CodeRejected, Status: status, Message: message, Fields: fields}
}

func fallbackMessage(status int, fields []FieldError) string {
	switch {
	case status == http.StatusForbidden:
		return MsgForbidden
	case status == http.StatusNotFound:
		return MsgNotFound
	case status == http.StatusUnprocessableEntity:
		if len(fields) > 0 {
			parts := make([]string, 0, len(fields))
			for _, f := range fields {
				parts = append(parts, f.Message)
			}
			return strings.Join(parts, "; ")
		}
		return MsgValidation
	case status >= 500:
		return MsgServer
	default:
		return MsgGeneric
	}
}

func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// HTTPStatus maps an error onto the status the gateway answers with.
func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		if appErr.Status != 0 {
			return appErr.Status
		}
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindRequestFailed:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindServerRejected:
		if appErr.Status >= 400 && appErr.Status < 500 {
			return appErr.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
