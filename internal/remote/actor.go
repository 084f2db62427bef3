package remote

import "context"

type actorKey struct{}

// WithActor tags ctx with the id of the client performing a call. Services
// attribute change notifications to it so clients can ignore their own echoes.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor id stored by WithActor, or ""
func ActorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}
