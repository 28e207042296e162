package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes used in logs, metrics labels and internal error handling.
const (
	ErrCodePaginationRead   = "PAGINATION_READ"
	ErrCodeNavigation       = "NAVIGATION_FAILED"
	ErrCodeMissingKeyColumn = "MISSING_KEY_COLUMN"
	ErrCodeIOWrite          = "IO_WRITE"
	ErrCodeIORead           = "IO_READ"
	ErrCodeBrowserCrash     = "BROWSER_CRASH"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeRecoveryFailed   = "RECOVERY_FAILED"
)

// Kind separates faults the orchestrator may recover from by restarting the
// data-source session from those that must stop the run.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// Kind reports whether the error is recoverable. Only pagination and
// navigation faults of the data source are transient, and only while the
// wrapped cause is not a cancelled parent context.
func (e *ScrapeError) Kind() Kind {
	switch e.Code {
	case ErrCodePaginationRead, ErrCodeNavigation:
		if errors.Is(e.Err, context.Canceled) {
			return KindFatal
		}
		return KindTransient
	default:
		return KindFatal
	}
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// IsTransient reports whether err carries a ScrapeError of KindTransient.
func IsTransient(err error) bool {
	var se *ScrapeError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind() == KindTransient
}

// HasCode reports whether err carries a ScrapeError with the given code.
func HasCode(err error, code string) bool {
	var se *ScrapeError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// CodeOf returns the code of the outermost ScrapeError in err's chain, or
// "UNKNOWN" when there is none.
func CodeOf(err error) string {
	var se *ScrapeError
	if !errors.As(err, &se) {
		return "UNKNOWN"
	}
	return se.Code
}
