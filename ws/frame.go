package ws

import (
	"encoding/json"
	"errors"

	"github.com/mqy/minisync/store"
)

// Ops of a ClientMsg.
const (
	OpAppend   = "append"
	OpSet      = "set"
	OpUpdate   = "update"
	OpRemove   = "remove"
	OpRead     = "read"
	OpListen   = "listen"
	OpUnlisten = "unlisten"
)

// Listen kinds, also the event names of a ServerMsg.
const (
	KindAppend = "append"
	KindRemove = "remove"
	KindValue  = "value"
)

const (
	ErrorCodeInvalidArguments = "invalid_arguments"
	ErrorCodeInvalidPath      = "invalid_path"
	ErrorCodeInvalidValue     = "invalid_value"
	ErrorCodeUnavailable      = "unavailable"
	ErrorCodeForbidden        = "forbidden"
	ErrorCodeInternal         = "internal"
)

// ErrForbidden is returned when the hub's Authorizer rejects a request.
var ErrForbidden = errors.New("forbidden")

// ClientMsg is a request from client to server. Id correlates the response.
type ClientMsg struct {
	Id     uint64                     `json:"id"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Kind   string                     `json:"kind,omitempty"`
	Sub    uint64                     `json:"sub,omitempty"`
}

// ServerMsg is a response (Id > 0) or a listener event (Event != "").
type ServerMsg struct {
	Id    uint64          `json:"id,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`

	Sub   uint64 `json:"sub,omitempty"`
	Event string `json:"event,omitempty"`

	Kickoff bool `json:"kickoff,omitempty"`
}

type Error struct {
	Code    string   `json:"code"`
	Params  []string `json:"params,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// errorOf maps a store error to its wire form.
func errorOf(err error) *Error {
	code := ErrorCodeInternal
	switch {
	case errors.Is(err, store.ErrInvalidPath):
		code = ErrorCodeInvalidPath
	case errors.Is(err, store.ErrInvalidValue):
		code = ErrorCodeInvalidValue
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, store.ErrClosed):
		code = ErrorCodeUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}

// Unwrap lets clients match the wire error against store sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case ErrorCodeInvalidPath:
		return store.ErrInvalidPath
	case ErrorCodeInvalidValue:
		return store.ErrInvalidValue
	case ErrorCodeUnavailable:
		return store.ErrStoreUnavailable
	case ErrorCodeForbidden:
		return ErrForbidden
	}
	return nil
}

func newInvalidArgumentError(errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
	}
}

// rawValue turns a decoded JSON value back into a store value; absent and
// null both mean nil.
func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
