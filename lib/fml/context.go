package fml

import (
	"context"
)

// InstanceKey tells apart module instances sharing one process.
type InstanceKey uint32

type instanceKeyCtx struct{}

// WithInstanceKey binds ctx to a module instance. Binding a context that
// already carries a key panics.
func WithInstanceKey(ctx context.Context, key InstanceKey) context.Context {
	if existing, ok := LookupInstanceKey(ctx); ok {
		misuse("instance key already set to %d", existing)
	}
	return context.WithValue(ctx, instanceKeyCtx{}, key)
}

// InstanceKeyFrom returns the key bound by WithInstanceKey. It panics if
// none was bound.
func InstanceKeyFrom(ctx context.Context) InstanceKey {
	key, ok := LookupInstanceKey(ctx)
	if !ok {
		misuse("instance key not set")
	}
	return key
}

// LookupInstanceKey returns the instance key of ctx and whether it has one.
func LookupInstanceKey(ctx context.Context) (InstanceKey, bool) {
	key, ok := ctx.Value(instanceKeyCtx{}).(InstanceKey)
	return key, ok
}
