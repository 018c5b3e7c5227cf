package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/azure-chat-go/internal/auth"
)

// ConfigurationError reports missing or invalid construction inputs. It is
// returned before any credential or network work happens.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat: invalid configuration: %s", e.Field)
	}
	return fmt.Sprintf("chat: invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	KindUnauthorized    ErrorKind = "Unauthorized"
	KindRateLimited     ErrorKind = "RateLimited"
	KindTimeout         ErrorKind = "Timeout"
	KindInvalidResponse ErrorKind = "InvalidResponse"
	KindUnknown         ErrorKind = "Unknown"
)

// RemoteServiceError wraps any failure of the completion call. The original
// error stays reachable through errors.As / errors.Is.
type RemoteServiceError struct {
	Kind ErrorKind
	Err  error
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("chat: remote service error (%s): %v", e.Kind, e.Err)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// errNoChoices is returned when the service answers without any choice.
var errNoChoices = errors.New("completion response has no choices")

func remoteError(err error) *RemoteServiceError {
	return &RemoteServiceError{Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	var (
		apiErr    *openai.APIError
		reqErr    *openai.RequestError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, auth.ErrTokenUnavailable):
		return KindUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &apiErr):
		return kindForStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		return kindForStatus(reqErr.HTTPStatusCode)
	case errors.Is(err, errNoChoices), errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindInvalidResponse
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}
	return KindUnknown
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindUnknown
}
