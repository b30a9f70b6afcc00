package device

import "github.com/MrWong99/earshot/pkg/event"

// Hooks implements the callback half of [Provider]. Adapters embed it and
// call the Emit* methods from their read loops.
type Hooks struct {
	data         event.Hub[[]byte]
	lost         event.Hub[string]
	disconnected event.Hub[string]
}

// OnData implements [Provider].
func (h *Hooks) OnData(fn func(chunk []byte)) func() { return h.data.Subscribe(fn) }

// OnConnectionLost implements [Provider].
func (h *Hooks) OnConnectionLost(fn func(reason string)) func() { return h.lost.Subscribe(fn) }

// OnDisconnected implements [Provider].
func (h *Hooks) OnDisconnected(fn func(reason string)) func() {
	return h.disconnected.Subscribe(fn)
}

// EmitData delivers chunk to every data subscriber.
func (h *Hooks) EmitData(chunk []byte) { h.data.Publish(chunk) }

// EmitConnectionLost notifies subscribers of an unexpected link loss.
func (h *Hooks) EmitConnectionLost(reason string) { h.lost.Publish(reason) }

// EmitDisconnected notifies subscribers of an orderly remote disconnect.
func (h *Hooks) EmitDisconnected(reason string) { h.disconnected.Publish(reason) }

// Subscribers returns the number of registrations per event, in the order
// data, connection-lost, disconnected.
func (h *Hooks) Subscribers() (data, lost, disconnected int) {
	return h.data.Len(), h.lost.Len(), h.disconnected.Len()
}
