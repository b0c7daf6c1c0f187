// Package ledger talks to whatever holds the user's ledger key. The daemon
// never signs itself; it hands origins and digests to a Signer and gets a
// receipt back once the transaction is mined.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/myterms/consentledger/internal/protocol"
)

type Kind string

const (
	KindUserRejected          Kind = "user_rejected"
	KindInsufficientResources Kind = "insufficient_resources"
	KindNetworkUnavailable    Kind = "network_unavailable"
	KindUnknown               Kind = "unknown"
)

// Signer submits one batch to the ledger. Implementations must not retry.
type Signer interface {
	Submit(ctx context.Context, origins []string, digests []protocol.Digest) (protocol.Receipt, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, origins []string, digests []protocol.Digest) (protocol.Receipt, error)

func (f SignerFunc) Submit(ctx context.Context, origins []string, digests []protocol.Digest) (protocol.Receipt, error) {
	return f(ctx, origins, digests)
}

type SubmitError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *SubmitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("ledger submit %s: %v", msg, e.Cause)
	}
	return "ledger submit " + msg
}

func (e *SubmitError) Unwrap() error { return e.Cause }

// Retryable reports whether the same submission may be attempted again.
func (e *SubmitError) Retryable() bool {
	return e.Kind == KindNetworkUnavailable
}

func NewSubmitError(kind Kind, msg string, cause error) *SubmitError {
	return &SubmitError{Kind: kind, Message: msg, Cause: cause}
}

// Classify maps any signer error onto a Kind. Only failures that happen
// before the request leaves this host are NetworkUnavailable; once a
// submission may have reached the signer the outcome is Unknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		if submitErr.Kind == "" {
			return KindUnknown
		}
		return submitErr.Kind
	}
	if notSent(err) {
		return KindNetworkUnavailable
	}
	return KindUnknown
}

func notSent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// kindForStatus is used when the signer answers without a structured error
// code. 429 and 503 mean the signer turned the request away; other server
// errors and timeouts leave the broadcast state unknown.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusPaymentRequired:
		return KindInsufficientResources
	case http.StatusForbidden, http.StatusConflict:
		return KindUserRejected
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return KindNetworkUnavailable
	default:
		return KindUnknown
	}
}

func kindForCode(code string) (Kind, bool) {
	switch code {
	case "USER_REJECTED", "REJECTED":
		return KindUserRejected, true
	case "INSUFFICIENT_RESOURCES", "INSUFFICIENT_FUNDS":
		return KindInsufficientResources, true
	case "NETWORK_UNAVAILABLE", "UNAVAILABLE":
		return KindNetworkUnavailable, true
	default:
		return "", false
	}
}
