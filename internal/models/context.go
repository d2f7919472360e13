package models

import "context"

type actorContextKey struct{}

// Actor identifies who triggered a ledger operation (a user, the sweeper,
// a provider, an operator). It is carried through context for logging so the
// store and engine signatures stay free of it.
type Actor struct {
	Id        string
	Source    string // "api", "sweeper", "listener", "cli"
	RequestId string
}

// WithActor attaches an actor to a context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, a)
}

// ActorFromContext returns the actor stored in ctx, or a zero Actor.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorContextKey{}).(Actor)
	return a
}
