package notesync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotImplemented = errors.New("not implemented")
)

type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryDatabase   ErrorCategory = "database"
	CategoryRuntime    ErrorCategory = "runtime"
	CategoryPermission ErrorCategory = "permission"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryUnknown    ErrorCategory = "unknown"
)

type NetworkErrorType string

const (
	NetworkConnection     NetworkErrorType = "connection"
	NetworkTimeout        NetworkErrorType = "timeout"
	NetworkRateLimit      NetworkErrorType = "rate_limit"
	NetworkHTTPClient     NetworkErrorType = "http_client"
	NetworkHTTPServer     NetworkErrorType = "http_server"
	NetworkAuthentication NetworkErrorType = "authentication"
	NetworkPayload        NetworkErrorType = "payload"
	NetworkDNS            NetworkErrorType = "dns"
	NetworkCORS           NetworkErrorType = "cors"
	NetworkAbort          NetworkErrorType = "abort"
	NetworkUnknown        NetworkErrorType = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorDetails carries structured context captured at classification time.
type ErrorDetails struct {
	StatusCode int           `json:"statusCode,omitempty"`
	URL        string        `json:"url,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// ClassifiedError is the single error shape the rest of the engine sees.
// UserMessage is the canned per-category message; downstream layers must
// surface it as-is rather than re-deriving their own wording.
type ClassifiedError struct {
	Category    ErrorCategory
	Type        NetworkErrorType
	Severity    Severity
	Retryable   bool
	UserMessage string
	Details     ErrorDetails
	Strategy    RetryStrategy

	cause error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %v", e.Category, e.Type, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Type, e.UserMessage)
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// HTTPStatusError is satisfied by transport errors that carry an HTTP
// status code (noteapi.HTTPError).
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// retryAfterCarrier exposes a server-provided Retry-After hint.
type retryAfterCarrier interface {
	RetryAfterHint() time.Duration
}

type requestURLCarrier interface {
	RequestURL() string
}

// errorProfile fixes severity, retryability, user message and retry strategy
// per network error type. The classifier only selects a profile; the profile
// table is the contract.
type errorProfile struct {
	Category    ErrorCategory
	Severity    Severity
	Retryable   bool
	UserMessage string
	Strategy    RetryStrategy
}

var networkProfiles = map[NetworkErrorType]errorProfile{
	NetworkConnection: {
		Category:    CategoryNetwork,
		Severity:    SeverityHigh,
		Retryable:   true,
		UserMessage: "Unable to reach the server. Check your connection; your changes are saved locally.",
		Strategy: RetryStrategy{
			MaxAttempts:       5,
			BaseDelay:         500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			Jitter:            250 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	},
	NetworkTimeout: {
		Category:    CategoryNetwork,
		Severity:    SeverityMedium,
		Retryable:   true,
		UserMessage: "The server is taking too long to respond. Retrying in the background.",
		Strategy: RetryStrategy{
			MaxAttempts:       4,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			Jitter:            500 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	},
	NetworkRateLimit: {
		Category:    CategoryRateLimit,
		Severity:    SeverityMedium,
		Retryable:   true,
		UserMessage: "Too many requests. Waiting before trying again.",
		Strategy: RetryStrategy{
			MaxAttempts:       3,
			BaseDelay:         2 * time.Second,
			MaxDelay:          60 * time.Second,
			Jitter:            time.Second,
			BackoffMultiplier: 2,
		},
	},
	NetworkHTTPClient: {
		Category:    CategoryNetwork,
		Severity:    SeverityMedium,
		Retryable:   false,
		UserMessage: "The request was rejected by the server.",
		Strategy:    RetryStrategy{MaxAttempts: 1},
	},
	NetworkHTTPServer: {
		Category:    CategoryNetwork,
		Severity:    SeverityHigh,
		Retryable:   true,
		UserMessage: "The server hit a problem. Retrying in the background.",
		Strategy: RetryStrategy{
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			Jitter:            500 * time.Millisecond,
			BackoffMultiplier: 2,
			RetryCondition:    retryableServerStatus,
		},
	},
	NetworkAuthentication: {
		Category:    CategoryAuth,
		Severity:    SeverityHigh,
		Retryable:   false,
		UserMessage: "Your session has expired. Sign in again to keep syncing.",
		Strategy:    RetryStrategy{MaxAttempts: 1},
	},
	NetworkPayload: {
		Category:    CategoryValidation,
		Severity:    SeverityMedium,
		Retryable:   false,
		UserMessage: "This note could not be saved as-is. Edit it and try again.",
		Strategy:    RetryStrategy{MaxAttempts: 1},
	},
	NetworkDNS: {
		Category:    CategoryNetwork,
		Severity:    SeverityHigh,
		Retryable:   true,
		UserMessage: "Unable to look up the server address. Check your connection.",
		Strategy: RetryStrategy{
			MaxAttempts:       4,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			Jitter:            500 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	},
	NetworkCORS: {
		Category:    CategoryNetwork,
		Severity:    SeverityHigh,
		Retryable:   false,
		UserMessage: "The server rejected the request origin. This is a configuration problem.",
		Strategy:    RetryStrategy{MaxAttempts: 1},
	},
	NetworkAbort: {
		Category:    CategoryNetwork,
		Severity:    SeverityLow,
		Retryable:   false,
		UserMessage: "The request was cancelled.",
		Strategy:    RetryStrategy{MaxAttempts: 1},
	},
	NetworkUnknown: {
		Category:    CategoryUnknown,
		Severity:    SeverityMedium,
		Retryable:   true,
		UserMessage: "Something went wrong. Trying once more.",
		Strategy: RetryStrategy{
			MaxAttempts:       2,
			BaseDelay:         time.Second,
			MaxDelay:          5 * time.Second,
			Jitter:            500 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	},
}

// signatureRule maps error-text signatures to a network error type. The rule
// list is ordered; the first match wins. New transports plug in new rules via
// RegisterSignatureRule without touching the retry engine.
type signatureRule struct {
	Signatures []string
	Type       NetworkErrorType
}

var defaultSignatureRules = []signatureRule{
	{Signatures: []string{"context deadline exceeded", "timeout", "timed out"}, Type: NetworkTimeout},
	{Signatures: []string{"context canceled", "operation was aborted", "request canceled"}, Type: NetworkAbort},
	{Signatures: []string{"no such host", "dns", "server misbehaving"}, Type: NetworkDNS},
	{Signatures: []string{"cors", "cross-origin"}, Type: NetworkCORS},
	{Signatures: []string{
		"connection refused", "connection reset", "broken pipe",
		"network is unreachable", "no route to host", "failed to fetch",
		"eof",
	}, Type: NetworkConnection},
}

var extraSignatureRules []signatureRule

// RegisterSignatureRule appends a classification rule evaluated after the
// built-in set. Intended for backend-specific error shapes.
func RegisterSignatureRule(rule signatureRule) {
	if rule.Type == "" || len(rule.Signatures) == 0 {
		return
	}
	extraSignatureRules = append(extraSignatureRules, rule)
}

// NewSignatureRule builds a rule for RegisterSignatureRule.
func NewSignatureRule(errorType NetworkErrorType, signatures ...string) signatureRule {
	return signatureRule{Signatures: signatures, Type: errorType}
}

// Classify turns an arbitrary failure into a ClassifiedError. It is
// idempotent: an already-classified error is returned unchanged. The mapping
// is pure.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}
	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr, err)
	}
	text := strings.ToLower(err.Error())
	for _, rule := range defaultSignatureRules {
		if matchesSignature(text, rule.Signatures) {
			return newClassified(rule.Type, err, ErrorDetails{})
		}
	}
	for _, rule := range extraSignatureRules {
		if matchesSignature(text, rule.Signatures) {
			return newClassified(rule.Type, err, ErrorDetails{})
		}
	}
	return newClassified(NetworkUnknown, err, ErrorDetails{})
}

func matchesSignature(text string, signatures []string) bool {
	for _, sig := range signatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

func classifyStatus(statusErr HTTPStatusError, err error) *ClassifiedError {
	status := statusErr.HTTPStatus()
	details := ErrorDetails{StatusCode: status}
	if carrier, ok := statusErr.(requestURLCarrier); ok {
		details.URL = carrier.RequestURL()
	}
	switch {
	case status == 429:
		if carrier, ok := statusErr.(retryAfterCarrier); ok {
			details.RetryAfter = carrier.RetryAfterHint()
		}
		ce := newClassified(NetworkRateLimit, err, details)
		if details.RetryAfter > 0 {
			ce.Strategy.BaseDelay = details.RetryAfter
		}
		return ce
	case status == 401 || status == 403:
		return newClassified(NetworkAuthentication, err, details)
	case status == 413 || status == 422:
		return newClassified(NetworkPayload, err, details)
	case status >= 400 && status < 500:
		return newClassified(NetworkHTTPClient, err, details)
	case status >= 500 && status < 600:
		ce := newClassified(NetworkHTTPServer, err, details)
		// Only 502/503/504 are worth replaying; other 5xx are treated as
		// terminal server bugs.
		ce.Retryable = status == 502 || status == 503 || status == 504
		return ce
	default:
		return newClassified(NetworkUnknown, err, details)
	}
}

func newClassified(errorType NetworkErrorType, cause error, details ErrorDetails) *ClassifiedError {
	profile, ok := networkProfiles[errorType]
	if !ok {
		profile = networkProfiles[NetworkUnknown]
		errorType = NetworkUnknown
	}
	return &ClassifiedError{
		Category:    profile.Category,
		Type:        errorType,
		Severity:    profile.Severity,
		Retryable:   profile.Retryable,
		UserMessage: profile.UserMessage,
		Details:     details,
		Strategy:    profile.Strategy,
		cause:       cause,
	}
}

func retryableServerStatus(err *ClassifiedError) bool {
	if err == nil {
		return false
	}
	switch err.Details.StatusCode {
	case 502, 503, 504:
		return true
	}
	return false
}
