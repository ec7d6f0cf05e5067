package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/reconcile"
)

// Error represents an API error. Code is the HTTP status.
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

var (
	errUnauthorized = NewError(http.StatusUnauthorized, "authentication required")
	errForbidden    = NewError(http.StatusForbidden, "insufficient permissions")
)

// FromError maps service errors onto API errors. Validation failures are
// client errors; anything unrecognized is an internal error whose detail is
// not exposed.
func FromError(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, feed.ErrInvalidUserID),
		errors.Is(err, feed.ErrInvalidPagination),
		errors.Is(err, reconcile.ErrInvalidFilter):
		return NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, fanout.ErrPostNotFound):
		return NewError(http.StatusNotFound, err.Error())
	default:
		return NewError(http.StatusInternalServerError, "internal server error")
	}
}

// rpcError maps an API error onto a JSON-RPC error code and message
func rpcError(e *Error) (int, string) {
	switch e.Code {
	case http.StatusBadRequest:
		return ErrInvalidParams, "Invalid params"
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized, "Unauthorized"
	case http.StatusNotFound:
		return ErrNotFound, "Not found"
	default:
		return ErrServerError, "Server error"
	}
}
