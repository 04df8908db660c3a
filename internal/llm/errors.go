package llm

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"syscall"
)

// Kind is the failure taxonomy surfaced to users.
type Kind string

const (
	KindNetwork Kind = "network"
	KindHTTP    Kind = "http"
	KindTimeout Kind = "timeout"
	KindCORS    Kind = "cors"
	KindUnknown Kind = "unknown"
)

// ErrAborted marks a turn that was cancelled before it finished.
var ErrAborted = errors.New("request aborted")

// Classification is the user-facing view of an error.
type Classification struct {
	Message    string `json:"message"`
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
}

const (
	msgTimeout    = "Request was cancelled or timed out."
	msgNetwork    = "Network error: Unable to connect to the server. Please check your connection and endpoint URL."
	msgNotFound   = "Endpoint not found. Please check your endpoint URL."
	msgAuth       = "Authentication failed. Please check your API key."
	msgRateLimit  = "Rate limit exceeded. Please wait a moment and try again."
	msgServer     = "Server error. The service may be temporarily unavailable. Please try again later."
	msgCORS       = "CORS error: The server may not allow requests from this origin."
	msgUnexpected = "An unexpected error occurred. Please try again."
)

type statusRule struct {
	codes     []string
	status    int
	message   string
	retryable bool
}

// Checked in order after the abort and network rules.
var statusRules = []statusRule{
	{codes: []string{"404"}, status: 404, message: msgNotFound},
	{codes: []string{"401", "403"}, message: msgAuth},
	{codes: []string{"429"}, status: 429, message: msgRateLimit, retryable: true},
	{codes: []string{"500", "502", "503"}, message: msgServer, retryable: true},
}

// Classify maps err onto the taxonomy. The first matching rule wins.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Message: msgUnexpected, Kind: KindUnknown}
	}
	if isAbort(err) {
		return Classification{Message: msgTimeout, Kind: KindTimeout, Retryable: true}
	}
	if isNetwork(err) {
		return Classification{Message: msgNetwork, Kind: KindNetwork, Retryable: true}
	}

	text := err.Error()
	for _, r := range statusRules {
		for _, code := range r.codes {
			if !strings.Contains(text, code) {
				continue
			}
			status := r.status
			if status == 0 {
				status = statusOf(err, r.codes, code)
			}
			return Classification{Message: r.message, Kind: KindHTTP, StatusCode: status, Retryable: r.retryable}
		}
	}

	if strings.Contains(strings.ToLower(text), "cors") {
		return Classification{Message: msgCORS, Kind: KindCORS}
	}
	return Classification{Message: "Error: " + text, Kind: KindUnknown}
}

// IsRetryable reports whether a failed turn may be retried as-is.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

func isAbort(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isNetwork(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// statusOf prefers the real status of an *HTTPError when it belongs to the
// rule and falls back to the code that matched in the text.
func statusOf(err error, codes []string, matched string) int {
	var he *HTTPError
	if errors.As(err, &he) && slices.Contains(codes, strconv.Itoa(he.StatusCode)) {
		return he.StatusCode
	}
	n, _ := strconv.Atoi(matched)
	return n
}
