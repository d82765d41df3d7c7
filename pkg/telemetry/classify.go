package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// ClassifiedError carries an explicit category assigned by the code that
// produced the error. Plugins wrap errors this way when they know better
// than the heuristics below.
type ClassifiedError struct {
	Category types.ErrorCategory
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with an explicit category.
func Classify(category types.ErrorCategory, err error) error {
	return &ClassifiedError{Category: category, Err: err}
}

// Categorize determines the error category for a caught handler error.
// Explicit classification wins; otherwise common stdlib error shapes are
// mapped, and anything unrecognized is UNKNOWN.
func Categorize(err error) types.ErrorCategory {
	if err == nil {
		return types.ErrorUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrorTimeout
		}
		return types.ErrorTransientNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.ErrorTransientNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return types.ErrorTransientNetwork
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return types.ErrorResource
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "authentication"):
		return types.ErrorAuth
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "invalid character") || strings.Contains(msg, "malformed"):
		return types.ErrorDataParse
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return types.ErrorTimeout
	case strings.Contains(msg, "too many") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota"):
		return types.ErrorResource
	}

	return types.ErrorUnknown
}
