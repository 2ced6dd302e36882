package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Standardized exchange error kinds.
var (
	ErrTransient          = errors.New("exchange transient error")
	ErrRejected           = errors.New("order rejected")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrOrderNotFound      = errors.New("order not found")
)

// Error carries the venue's code and message together with the classified kind.
type Error struct {
	Op   string
	Code int64
	Msg  string
	Kind error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: API Error: code=%d, msg=%s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Classify maps err to one of the kinds above. Unknown errors are transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientMargin):
		return ErrInsufficientMargin
	case errors.Is(err, ErrOrderNotFound):
		return ErrOrderNotFound
	case errors.Is(err, ErrRejected):
		return ErrRejected
	case errors.Is(err, ErrTransient):
		return ErrTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin"):
		return ErrInsufficientMargin
	case strings.Contains(msg, "unknown order") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found"):
		return ErrOrderNotFound
	}
	return ErrTransient
}

// IsInsufficientMargin reports whether err is a margin shortage.
func IsInsufficientMargin(err error) bool {
	return Classify(err) == ErrInsufficientMargin
}

// IsNotFound reports whether err says the order is already gone.
func IsNotFound(err error) bool {
	return Classify(err) == ErrOrderNotFound
}

// Label returns a short metric label for the kind of err.
func Label(err error) string {
	switch Classify(err) {
	case nil:
		return "ok"
	case ErrInsufficientMargin:
		return "insufficient_margin"
	case ErrOrderNotFound:
		return "not_found"
	case ErrRejected:
		return "rejected"
	default:
		return "transient"
	}
}
