package observers

import (
	"context"

	"github.com/threadchat/server/internal/agent/model"
)

// Emitter receives turn events while a graph run is in progress.
type Emitter interface {
	Emit(ev model.TurnEvent)
}

type EmitterFunc func(ev model.TurnEvent)

func (f EmitterFunc) Emit(ev model.TurnEvent) { f(ev) }

type emitterKey struct{}

// WithEmitter attaches e to ctx; nodes and callbacks of the run report to it.
func WithEmitter(ctx context.Context, e Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// Emit forwards ev to the emitter of ctx, if any.
func Emit(ctx context.Context, ev model.TurnEvent) {
	if e, ok := ctx.Value(emitterKey{}).(Emitter); ok && e != nil {
		e.Emit(ev)
	}
}
