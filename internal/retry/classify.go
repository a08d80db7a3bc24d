// Package retry classifies failures of external calls and retries the
// transient ones on a linear backoff schedule.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"

	"github.com/kalambet/jobharvest/internal/operations"
)

// Kind is the failure class of an error.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
	KindParse   Kind = "parse"
	KindFormat  Kind = "format"
	KindUnknown Kind = "unknown"
)

var (
	// ErrParse marks content that could not be decoded.
	ErrParse = errors.New("malformed content")
	// ErrFormat marks content that decoded but has the wrong shape.
	ErrFormat = errors.New("unexpected content format")
)

// Classification is the retry decision for one failure.
type Classification struct {
	Retryable bool
	Kind      Kind
}

// Kinded is implemented by errors that know their own class, such as
// upstream HTTP status errors.
type Kinded interface {
	RetryKind() Kind
}

// Classify maps err to a failure class. Only timeouts and transport
// failures are retryable; retrying a malformed payload reproduces it.
// Cancellation is never retryable.
func Classify(err error) Classification {
	k := kindOf(err)
	return Classification{
		Retryable: k == KindTimeout || k == KindNetwork,
		Kind:      k,
	}
}

func kindOf(err error) Kind {
	if err == nil || operations.IsCancelled(err) {
		return KindUnknown
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.RetryKind()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, ErrParse), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindParse
	case errors.Is(err, ErrFormat):
		return KindFormat
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &opErr),
		errors.As(err, &dnsErr),
		errors.As(err, &urlErr):
		return KindNetwork
	case errors.Is(err, context.Canceled):
		// An in-flight call aborted by something other than the operation
		// token, e.g. the transport closing the connection.
		return KindNetwork
	}
	return KindUnknown
}
