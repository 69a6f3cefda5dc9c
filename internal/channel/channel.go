// Package channel defines the per-device communication endpoint of the bus.
// A channel's ring buffers and open/close protocol live in the enumeration
// layer; the connection layer only needs the callback, batching mode, and
// signaling identity defined here.
package channel

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/oriys/hvbus/internal/protocol"
	"github.com/oriys/hvbus/internal/workqueue"
)

// CallbackMode controls how interrupt dispatch drives the channel callback.
type CallbackMode int

const (
	// CallBatched masks host signaling while reading and re-runs the
	// dispatcher until the inbound ring is drained. The default.
	CallBatched CallbackMode = iota
	// CallDirect invokes the callback once per interrupt with no
	// batch bracketing.
	CallDirect
)

// BatchReader brackets a receive batch on the channel's inbound ring.
// Implemented by the ring-buffer layer.
type BatchReader interface {
	// BeginBatch masks host interrupts for the ring before reading.
	BeginBatch()
	// EndBatch unmasks and reports whether data arrived in the window
	// where interrupts were still masked.
	EndBatch() (hasMore bool)
}

// Callback is the driver-owned interrupt callback with its context.
type Callback struct {
	Fn      func(ctx any)
	Context any
}

// Channel is one endpoint in the connection's channel table.
type Channel struct {
	// RelID is the channel's relative id, its index in the table.
	RelID uint32
	// InstanceID identifies the device instance behind the channel.
	InstanceID uuid.UUID
	// Mode selects batched or direct dispatch. Fixed before the channel
	// is published in the table.
	Mode CallbackMode
	// DedicatedInterrupt is set when the host delivers this channel's
	// events on a dedicated interrupt, skipping the shared event flags.
	DedicatedInterrupt bool
	// SigEvent is the hypercall payload used to signal the host.
	SigEvent uint64
	// Inbound brackets receive batches. May be nil for channels in
	// CallDirect mode.
	Inbound BatchReader

	cb        atomic.Pointer[Callback]
	tasklet   atomic.Pointer[workqueue.Tasklet]
	sigEvents atomic.Uint64
}

// New creates a channel for relid with the default signaling identity.
func New(relid uint32, instance uuid.UUID) *Channel {
	return &Channel{
		RelID:      relid,
		InstanceID: instance,
		SigEvent:   protocol.EventConnectionID,
	}
}

// SetCallback publishes the interrupt callback. A fully-constructed
// callback is visible to the dispatcher as soon as this returns.
func (c *Channel) SetCallback(fn func(ctx any), ctx any) {
	c.cb.Store(&Callback{Fn: fn, Context: ctx})
}

// ClearCallback detaches the callback, as an unbinding driver does. The
// channel itself stays in the table.
func (c *Channel) ClearCallback() {
	c.cb.Store(nil)
}

// Callback returns the current callback, or nil if no driver owns the
// channel.
func (c *Channel) Callback() *Callback {
	return c.cb.Load()
}

// BindTasklet attaches the dispatch tasklet created by the connection when
// the channel is installed in the table.
func (c *Channel) BindTasklet(t *workqueue.Tasklet) {
	c.tasklet.Store(t)
}

// Tasklet returns the dispatch tasklet, or nil if the channel was never
// installed.
func (c *Channel) Tasklet() *workqueue.Tasklet {
	return c.tasklet.Load()
}

// CountSignal increments the diagnostic count of host signals sent.
func (c *Channel) CountSignal() {
	c.sigEvents.Add(1)
}

// SigEvents returns the diagnostic count of host signals sent.
func (c *Channel) SigEvents() uint64 {
	return c.sigEvents.Load()
}
