// Package source provides the event sources miszen can consume: a JSON
// lines stream and a filesystem watcher.
package source

import (
	"context"

	"github.com/roach88/miszen/internal/event"
)

// Sink receives events. Implemented by *engine.Engine.
type Sink interface {
	// Enqueue accepts an event. It returns false once the sink is closed,
	// after which the source should stop.
	Enqueue(ev event.Event) bool
}

// Source produces events until its context is cancelled or its input ends.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}
