package bridge

import "context"

// Status is the adapter's view of the worker channel.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Handlers receive inbound traffic from a Transport. Any field may be nil.
type Handlers struct {
	// OnLine receives one inbound frame, without its line terminator.
	OnLine func(line []byte)
	// OnDiagnostic receives out-of-band text such as the worker's stderr.
	OnDiagnostic func(text string)
	// OnDown is called when the channel becomes unavailable.
	OnDown func(err error)
}

// Transport is the byte channel to the worker. Implementations own process
// or connection supervision; the Client only sends, listens and asks for restarts.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Subscribe(h Handlers) (unsubscribe func())
	Restart(ctx context.Context) error
	Status() Status
}
