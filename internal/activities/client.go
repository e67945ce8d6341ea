package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownActivity is returned by a Table for names it has no entry for.
var ErrUnknownActivity = errors.New("unknown activity")

// TransportError marks a call whose outcome is unknown: the executor was
// unreachable, timed out or answered with something that is not a result.
// Callers may retry it; a returned result is authoritative and is never retried.
type TransportError struct {
	Activity string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("activity %s: %v", e.Activity, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Func executes one activity.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Table dispatches activity calls by name to in-process functions.
type Table map[string]Func

// Invoke runs the named activity. Every failure is reported as a TransportError.
func (t Table) Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := t[activity]
	if !ok {
		return nil, &TransportError{Activity: activity, Err: ErrUnknownActivity}
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Activity: activity, Err: err}
	}
	out, err := fn(ctx, input)
	if err != nil {
		if IsTransport(err) {
			return nil, err
		}
		return nil, &TransportError{Activity: activity, Err: err}
	}
	return out, nil
}

// Typed adapts a typed handler to a Func, encoding and decoding JSON payloads.
func Typed[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) Func {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req Req
		if len(input) > 0 {
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("decode request: %w", err)
			}
		}
		res, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}
