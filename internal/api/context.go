package api

import (
	"context"
	"fmt"

	"replicatedlog/internal/replication"
)

// ctxKey is a typed context key, so values read back need no assertion at the call site
type ctxKey[T any] struct {
	name string
}

func newCtxKey[T any](name string) ctxKey[T] {
	return ctxKey[T]{name: name}
}

func (k ctxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

func setCtxKey[T any](ctx context.Context, key ctxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func getCtxKey[T any](ctx context.Context, key ctxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var logIDKey = newCtxKey[replication.LogID]("logID")

func withLogID(ctx context.Context, id replication.LogID) context.Context {
	return setCtxKey(ctx, logIDKey, id)
}

// logIDFrom returns the log id parsed by the logCtx middleware
func logIDFrom(ctx context.Context) replication.LogID {
	id, _ := getCtxKey(ctx, logIDKey)
	return id
}
