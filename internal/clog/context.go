// Package clog carries request-scoped log attributes through a context so
// that every record logged with that context picks them up.
package clog

import (
	"context"
	"maps"
	"sync"
)

// ErrorKey is the attribute key used for errors.
const ErrorKey = "error"

type attrSet struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type attrSetKey struct{}

// WithAttrSet returns a context that can collect attributes. Attributes
// added to a context without one are dropped.
func WithAttrSet(ctx context.Context) context.Context {
	if _, ok := ctx.Value(attrSetKey{}).(*attrSet); ok {
		return ctx
	}
	return context.WithValue(ctx, attrSetKey{}, &attrSet{attrs: make(map[string]any)})
}

func Add(ctx context.Context, key string, value any) {
	s, ok := ctx.Value(attrSetKey{}).(*attrSet)
	if !ok {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

func AddAll(ctx context.Context, attrs map[string]any) {
	s, ok := ctx.Value(attrSetKey{}).(*attrSet)
	if !ok {
		return
	}
	s.mu.Lock()
	maps.Copy(s.attrs, attrs)
	s.mu.Unlock()
}

// AddTask tags the request with the task it operates on.
func AddTask(ctx context.Context, taskID string) {
	Add(ctx, "task_id", taskID)
}

func AddError(ctx context.Context, err error) {
	Add(ctx, ErrorKey, err.Error())
}

// Get returns the attribute under key, or the zero value of T.
func Get[T any](ctx context.Context, key string) T {
	var zero T
	s, ok := ctx.Value(attrSetKey{}).(*attrSet)
	if !ok {
		return zero
	}
	s.mu.RLock()
	v, ok := s.attrs[key]
	s.mu.RUnlock()
	if !ok {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		return zero
	}
	return t
}

// All returns a copy of the attributes collected so far.
func All(ctx context.Context) map[string]any {
	s, ok := ctx.Value(attrSetKey{}).(*attrSet)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attrs)
}
