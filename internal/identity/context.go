package identity

import (
	"context"
	"errors"
	"strings"

	"goldpos/backend/internal/domain"
)

var ErrNoIdentity = errors.New("no identity in context")

type actorKey struct{}

// WithActor attaches the authenticated actor to ctx.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func FromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok && actor.ID != ""
}

// Provider answers "who is calling" for branch defaulting and audit
// attribution.
type Provider interface {
	CurrentUser(ctx context.Context) (domain.Actor, error)
}

// ContextProvider reads the actor placed on the request context by the
// transport layer. Actors without a branch get DefaultBranchID.
type ContextProvider struct {
	DefaultBranchID string
}

func (p ContextProvider) CurrentUser(ctx context.Context) (domain.Actor, error) {
	actor, ok := FromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrNoIdentity
	}
	if strings.TrimSpace(actor.BranchID) == "" {
		actor.BranchID = p.DefaultBranchID
	}
	return actor, nil
}

// StaticProvider always returns the same actor. Used by CLIs and tests.
type StaticProvider domain.Actor

func (p StaticProvider) CurrentUser(context.Context) (domain.Actor, error) {
	return domain.Actor(p), nil
}
