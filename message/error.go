package message

import "strings"

// ErrorCode classifies a RemoteError.
type ErrorCode uint8

const (
	CodeMethodError    ErrorCode = 0 // The invoked method returned an error or panicked
	CodeNoSuchService  ErrorCode = 1
	CodeNoSuchMethod   ErrorCode = 2
	CodeBadRequest     ErrorCode = 3 // Parameters could not be decoded for the method
	CodeRateLimited    ErrorCode = 4
	CodeHandlerTimeout ErrorCode = 5
	CodeBusy           ErrorCode = 6 // Dispatch pool saturated, request not executed
	CodeNoDispatcher   ErrorCode = 7 // The peer serves no services at all
)

// Fixed diagnostic texts for resolution failures, so a caller can tell a
// missing target apart from a method that ran and failed.
const (
	TextNoSuchService = "no such service"
	TextNoSuchMethod  = "no such method"
	TextNoDispatcher  = "peer does not serve invoke requests"
)

func (c ErrorCode) String() string {
	switch c {
	case CodeMethodError:
		return "method error"
	case CodeNoSuchService:
		return "no such service"
	case CodeNoSuchMethod:
		return "no such method"
	case CodeBadRequest:
		return "bad request"
	case CodeRateLimited:
		return "rate limited"
	case CodeHandlerTimeout:
		return "handler timeout"
	case CodeBusy:
		return "busy"
	case CodeNoDispatcher:
		return "no dispatcher"
	}
	return "unknown"
}

// Retryable reports whether the peer rejected the request before running it.
func (c ErrorCode) Retryable() bool {
	return c == CodeRateLimited || c == CodeBusy
}

// RemoteError is the structured failure carried back in an InvokeReply.
type RemoteError struct {
	Code    ErrorCode `msgpack:"code" json:"code"`
	Message string    `msgpack:"message" json:"message"`
	Cause   string    `msgpack:"cause,omitempty" json:"cause,omitempty"`
	Service string    `msgpack:"service,omitempty" json:"service,omitempty"`
	Method  string    `msgpack:"method,omitempty" json:"method,omitempty"`
	Version string    `msgpack:"version,omitempty" json:"version,omitempty"` // version of the answering service
}

// NewRemoteError returns a RemoteError with the given code and text.
func NewRemoteError(code ErrorCode, text string) *RemoteError {
	return &RemoteError{Code: code, Message: text}
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("rpc: ")
	if e.Service != "" {
		b.WriteString(e.Service)
		if e.Method != "" {
			b.WriteByte('.')
			b.WriteString(e.Method)
		}
		if e.Version != "" {
			b.WriteString(" (v")
			b.WriteString(e.Version)
			b.WriteByte(')')
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != "" && !strings.HasSuffix(e.Message, e.Cause) {
		b.WriteString(": ")
		b.WriteString(e.Cause)
	}
	return b.String()
}
