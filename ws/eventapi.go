package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mqy/minisync/store"
)

// EventApi serves websocket client requests against a store.
type EventApi struct {
	store    store.IEventStore
	maxBytes int
}

func NewApi(store store.IEventStore, maxBytes int) *EventApi {
	return &EventApi{
		store:    store,
		maxBytes: maxBytes,
	}
}

func (s *EventApi) checkSize(req *ClientMsg) *Error {
	n := len(req.Value)
	for k, v := range req.Fields {
		n += len(k) + len(v)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return newInvalidArgumentError(fmt.Sprintf("value: exceeds limit: %d bytes", s.maxBytes))
	}
	return nil
}

// Serve runs a write or read request. Listen requests are handled by the
// Handler, which owns the subscriptions.
func (s *EventApi) Serve(ctx context.Context, req *ClientMsg) *ServerMsg {
	resp := &ServerMsg{Id: req.Id}
	if req.Id == 0 {
		resp.Error = newInvalidArgumentError("id: should be positive integer")
		return resp
	}
	if err := s.checkSize(req); err != nil {
		resp.Error = err
		return resp
	}

	var err error
	switch req.Op {
	case OpAppend:
		if rawValue(req.Value) == nil {
			resp.Error = newInvalidArgumentError("value: required")
			return resp
		}
		resp.Key, err = s.store.Append(ctx, req.Path, req.Value)
	case OpSet:
		err = s.store.Set(ctx, req.Path, rawValue(req.Value))
	case OpUpdate:
		if len(req.Fields) == 0 {
			resp.Error = newInvalidArgumentError("fields: required")
			return resp
		}
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = rawValue(v)
		}
		err = s.store.Update(ctx, req.Path, fields)
	case OpRemove:
		err = s.store.Remove(ctx, req.Path)
	case OpRead:
		var snap store.Snapshot
		if snap, err = s.store.ReadOnce(ctx, req.Path); err == nil {
			resp.Key = snap.Key()
			resp.Value, err = json.Marshal(snap)
		}
	default:
		resp.Error = newInvalidArgumentError(fmt.Sprintf("op: unsupported %q", req.Op))
		return resp
	}
	if err != nil {
		resp.Error = errorOf(err)
	}
	return resp
}
