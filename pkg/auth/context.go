package auth

import (
	"context"
	"errors"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor attaches the authenticated actor id to the context.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// GetActor retrieves the authenticated actor id from the context.
func GetActor(ctx context.Context) (string, error) {
	actorID, ok := ctx.Value(actorKey).(string)
	if !ok || actorID == "" {
		return "", errors.New("auth: no actor in context")
	}
	return actorID, nil
}

// MustActor panics when no actor is present. Use only behind the identity
// middleware, which guarantees one.
func MustActor(ctx context.Context) string {
	actorID, err := GetActor(ctx)
	if err != nil {
		panic(err)
	}
	return actorID
}
