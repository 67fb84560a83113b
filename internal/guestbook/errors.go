package guestbook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/guestbookd/internal/metrics"
)

// Error codes returned to clients. They are part of the wire contract.
const (
	CodeNoName            = "no_name"
	CodeEmptyMessage      = "empty_message"
	CodeNameTooLong       = "name_too_long"
	CodeInvalidName       = "invalid_name"
	CodeNameProhibited    = "name_prohibited"
	CodeMessageProhibited = "message_prohibited"
	CodeInvalidColor      = "invalid_color"
	CodeNoTarget          = "no_target"
	CodeEmptyReason       = "empty_reason"
	CodeUnknownAction     = "unknown_action"
	CodeBadRequest        = "bad_request"
	CodeBanned            = "banned"
	CodeNameNotReserved   = "name_not_reserved"
	CodeNameTaken         = "name_taken"
	CodeRateLimited       = "rate_limited"
	CodeWriteFailed       = "write_failed"
	CodeReadFailed        = "read_failed"
)

var codeStatus = map[string]int{
	CodeNoName:            http.StatusBadRequest,
	CodeEmptyMessage:      http.StatusBadRequest,
	CodeNameTooLong:       http.StatusBadRequest,
	CodeInvalidName:       http.StatusBadRequest,
	CodeNameProhibited:    http.StatusBadRequest,
	CodeMessageProhibited: http.StatusBadRequest,
	CodeInvalidColor:      http.StatusBadRequest,
	CodeNoTarget:          http.StatusBadRequest,
	CodeEmptyReason:       http.StatusBadRequest,
	CodeUnknownAction:     http.StatusBadRequest,
	CodeBadRequest:        http.StatusBadRequest,
	CodeBanned:            http.StatusForbidden,
	CodeNameNotReserved:   http.StatusForbidden,
	CodeNameTaken:         http.StatusConflict,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeWriteFailed:       http.StatusInternalServerError,
	CodeReadFailed:        http.StatusInternalServerError,
}

// Rejection is returned for every request the service refuses. Code and
// Status are safe to show to clients; Err carries the internal cause and is
// only ever logged.
type Rejection struct {
	Code   string
	Status int

	// ExpiresAt is set for CodeNameTaken: when the current claim runs out.
	ExpiresAt time.Time

	Err error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	}
	return r.Code
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a Rejection for code and counts it.
func Reject(code string, err error) *Rejection {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	metrics.Rejections.WithLabelValues(code).Inc()
	return &Rejection{Code: code, Status: status, Err: err}
}
