package progress

import "context"

// Sink consumes batches of events. Consume is called from the hub goroutine
// only, with a per-call deadline.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. *Hub implements it; a nil *Hub discards.
type Emitter interface {
	Emit(evt Event)
}
