package auth

import "context"

type stateContextKey struct{}

// ContextWithState stores an auth state snapshot in ctx.
func ContextWithState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}

// StateFromContext returns the snapshot stored by ContextWithState.
func StateFromContext(ctx context.Context) (State, bool) {
	st, ok := ctx.Value(stateContextKey{}).(State)
	return st, ok
}
