package bus

import (
	"sync/atomic"
	"unsafe"

	"github.com/oriys/hvbus/internal/channel"
	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/metrics"
)

// OnEvent runs the channel's interrupt callback. For batched channels it
// closes the receive batch afterwards and, if more data arrived while the
// ring was masked, re-opens the batch and reschedules itself through the
// channel's tasklet instead of looping, so a busy channel cannot
// monopolize the dispatch context.
func (c *Connection) OnEvent(ch *channel.Channel) {
	// A channel persists even with no driver bound; an unbinding driver
	// clears the callback.
	cb := ch.Callback()
	if cb == nil {
		return
	}

	metrics.RecordDispatch()
	cb.Fn(cb.Context)

	if ch.Mode != channel.CallBatched {
		return
	}

	if !ch.Inbound.EndBatch() {
		return
	}

	ch.Inbound.BeginBatch()
	metrics.RecordDispatchRerun()
	if t := ch.Tasklet(); t != nil {
		t.Schedule()
	}
}

// SetEvent notifies the host that ch has pending work. Channels without a
// dedicated interrupt first raise the generic interrupt for their relid.
func (c *Connection) SetEvent(ch *channel.Channel) {
	if !ch.DedicatedInterrupt {
		c.interrupts.SendInterrupt(ch.RelID)
	}

	ch.CountSignal()
	c.signal(ch.SigEvent)
}

// selectSignalPath binds the host notification mechanism once at setup:
// the isolation-specific secure call under a paravisor, otherwise a direct
// fast hypercall with the nested bit applied as needed.
func (c *Connection) selectSignalPath() {
	p := c.platform

	if p.ParavisorPresent {
		if (p.Isolation == hvcall.IsolationSNP || p.Isolation == hvcall.IsolationTDX) &&
			c.collab.Secure != nil {
			path := p.Isolation.String()
			secure := c.collab.Secure
			c.signal = func(input uint64) {
				metrics.RecordSignal(path)
				secure.SignalEvent(input)
			}
			return
		}
		// A paravisor with no matching secure path is a platform
		// wiring bug. Flag it and drop signals rather than crash.
		logging.Op().Error("no secure signaling path for isolated platform",
			"isolation", p.Isolation.String())
		c.signal = func(uint64) {
			metrics.RecordSignal("unsupported")
		}
		return
	}

	control := hvcall.SignalEventCall | hvcall.FastBit
	if p.Nested {
		control |= hvcall.NestedBit
	}
	fast := c.collab.Fast
	if fast == nil {
		logging.Op().Error("no fast hypercall path wired for signaling")
		c.signal = func(uint64) {
			metrics.RecordSignal("unsupported")
		}
		return
	}
	c.signal = func(input uint64) {
		metrics.RecordSignal("fast")
		fast.FastHypercall8(control, input)
	}
}

// pageInterruptSender is the default InterruptSender: it sets the
// channel's event bit in the send half of the interrupt page, the legacy
// pre-5.0 signaling scheme.
type pageInterruptSender struct {
	conn *Connection
}

func (s *pageInterruptSender) SendInterrupt(relid uint32) {
	send := s.conn.sendInt
	if send == nil || relid >= uint32(len(send))*8 {
		return
	}
	word := (*uint32)(unsafe.Pointer(&send[(relid/32)*4]))
	atomic.OrUint32(word, 1<<(relid%32))
}
