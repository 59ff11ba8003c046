package fetch

import (
	"context"
	"errors"
	"io"
	"strings"
	"syscall"

	errs "mediagate/pkg/errors"
)

// bodyResetSignatures mark a 5xx body that reports the upstream losing its
// own connection. Kept narrow: bodies often echo paths and ids.
var bodyResetSignatures = []string{
	"ConnectionResetError",
	"connection reset by peer",
}

// transportResetSignatures mark a reset in a transport error message
var transportResetSignatures = []string{
	"connection reset",
	"Connection aborted",
	"forcibly closed",
	"10054",
	"broken pipe",
}

func hasResetSignature(body string) bool {
	return containsAny(body, bodyResetSignatures)
}

func containsAny(s string, sigs []string) bool {
	lower := strings.ToLower(s)
	for _, sig := range sigs {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// classifyTransport maps a transport error from one attempt. parent is the
// caller's context; its cancellation is returned unwrapped so the retry
// loop stops.
func classifyTransport(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if isReset(err) {
		return errs.Transient(0, err)
	}
	return errs.Network(err)
}

func isReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// An EOF mid-handshake is how a proxy hanging up on us usually looks
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return containsAny(err.Error(), transportResetSignatures)
}

// outcome labels an attempt result for metrics
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	switch errs.TypeOf(err) {
	case errs.ErrorTypeNotFound:
		return "not_found"
	case errs.ErrorTypeTransientNetwork:
		return "transient"
	case errs.ErrorTypeNetwork:
		return "network"
	case errs.ErrorTypeUpstream:
		return "upstream"
	case errs.ErrorTypeExhausted:
		return "exhausted"
	default:
		return "error"
	}
}
