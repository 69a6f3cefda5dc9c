// Package hostemu emulates the host side of the bus connection: it answers
// handshake and unload messages according to a configurable newest
// supported version, and mimics old-host behavior for the 5.0 connection
// id scheme. It backs the integration tests and the hvbusemu daemon; a
// production guest replaces it with real platform bindings.
package hostemu

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/protocol"
)

var errCryptInjected = errors.New("injected encryption transition failure")

// DefaultDynamicConnID is the message connection id the emulated host
// hands back in a 5.0+ version response.
const DefaultDynamicConnID uint32 = 0x30

// Host is an in-process emulated host. It satisfies every collaborator
// interface the connection needs.
type Host struct {
	// MaxVersion is the newest protocol version the host accepts.
	MaxVersion protocol.Version
	// DynamicConnID is handed back in 5.0+ version responses.
	DynamicConnID uint32

	mu       sync.Mutex
	scripted []hvcall.Status
	deliver  func(raw []byte)
	contact  *protocol.InitiateContact

	posts      atomic.Uint64
	signals    atomic.Uint64
	fastCalls  atomic.Uint64
	interrupts atomic.Uint64

	lastSignal  atomic.Uint64
	lastControl atomic.Uint64
	lastRelID   atomic.Uint32
}

// New creates a host accepting versions up to maxVersion.
func New(maxVersion protocol.Version) *Host {
	return &Host{
		MaxVersion:    maxVersion,
		DynamicConnID: DefaultDynamicConnID,
	}
}

// SetDeliver wires the host's outbound messages into the guest, normally
// to Connection.DeliverMessage. Responses are delivered synchronously
// from inside PostMessage, so a response can race the send call's return
// exactly as on real hardware.
func (h *Host) SetDeliver(fn func(raw []byte)) {
	h.mu.Lock()
	h.deliver = fn
	h.mu.Unlock()
}

// ScriptStatuses queues statuses PostMessage returns before resuming
// normal behavior. Used to exercise transient-failure handling.
func (h *Host) ScriptStatuses(statuses ...hvcall.Status) {
	h.mu.Lock()
	h.scripted = append(h.scripted, statuses...)
	h.mu.Unlock()
}

// LastContact returns the most recent handshake request received.
func (h *Host) LastContact() *protocol.InitiateContact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contact
}

// PostMessage implements hvcall.MessagePoster.
func (h *Host) PostMessage(connID uint32, msgType uint32, payload []byte) hvcall.Status {
	h.posts.Add(1)

	h.mu.Lock()
	if len(h.scripted) > 0 {
		st := h.scripted[0]
		h.scripted = h.scripted[1:]
		h.mu.Unlock()
		return st
	}
	deliver := h.deliver
	h.mu.Unlock()

	switch protocol.HeaderType(payload) {
	case protocol.MsgInitiateContact:
		m, err := protocol.DecodeInitiateContact(payload)
		if err != nil {
			logging.Op().Warn("emulated host: malformed handshake", "error", err)
			return hvcall.Status(0x3)
		}

		// A host that predates protocol 5.0 does not know connection
		// id 4 and rejects the post outright.
		if h.MaxVersion < protocol.VersionWin10V5 && connID == protocol.MessageConnectionID4 {
			return hvcall.StatusInvalidConnectionID
		}

		h.mu.Lock()
		h.contact = m
		h.mu.Unlock()

		resp := &protocol.VersionResponse{
			VersionSupported: h.supports(m.VersionRequested),
		}
		if resp.VersionSupported && m.VersionRequested >= protocol.VersionWin10V5 {
			resp.MessageConnID = h.DynamicConnID
		}
		if deliver != nil {
			deliver(resp.Encode())
		}
		return hvcall.StatusSuccess

	case protocol.MsgUnload:
		if deliver != nil {
			deliver(protocol.EncodeHeader(protocol.MsgUnloadResponse))
		}
		return hvcall.StatusSuccess

	default:
		return hvcall.StatusSuccess
	}
}

func (h *Host) supports(v protocol.Version) bool {
	if v > h.MaxVersion {
		return false
	}
	for _, s := range protocol.Supported {
		if s == v {
			return true
		}
	}
	return false
}

// FastHypercall8 implements hvcall.FastCaller.
func (h *Host) FastHypercall8(control uint64, input uint64) {
	h.fastCalls.Add(1)
	h.lastControl.Store(control)
	h.lastSignal.Store(input)
}

// SignalEvent implements hvcall.SecureSignaler.
func (h *Host) SignalEvent(input uint64) {
	h.signals.Add(1)
	h.lastSignal.Store(input)
}

// SendInterrupt implements hvcall.InterruptSender.
func (h *Host) SendInterrupt(relid uint32) {
	h.interrupts.Add(1)
	h.lastRelID.Store(relid)
}

// Posts returns the number of PostMessage calls observed.
func (h *Host) Posts() uint64 { return h.posts.Load() }

// Signals returns the number of secure signal calls observed.
func (h *Host) Signals() uint64 { return h.signals.Load() }

// FastCalls returns the number of fast hypercalls observed.
func (h *Host) FastCalls() uint64 { return h.fastCalls.Load() }

// Interrupts returns the number of generic interrupts observed.
func (h *Host) Interrupts() uint64 { return h.interrupts.Load() }

// LastControl returns the control word of the last fast hypercall.
func (h *Host) LastControl() uint64 { return h.lastControl.Load() }

// LastSignal returns the payload of the last signal call.
func (h *Host) LastSignal() uint64 { return h.lastSignal.Load() }

// LastRelID returns the relid of the last generic interrupt.
func (h *Host) LastRelID() uint32 { return h.lastRelID.Load() }

// Protector is a pages.Protector with injectable failures, counting
// transitions for leak assertions.
type Protector struct {
	FailDecrypt bool
	FailEncrypt bool

	Decrypts atomic.Int32
	Encrypts atomic.Int32
}

func (p *Protector) SetDecrypted(b []byte) error {
	p.Decrypts.Add(1)
	if p.FailDecrypt {
		return errCryptInjected
	}
	// A real transition may scramble contents; emulate so callers that
	// forget to re-zero are caught.
	for i := range b {
		b[i] = 0xa5
	}
	return nil
}

func (p *Protector) SetEncrypted(b []byte) error {
	p.Encrypts.Add(1)
	if p.FailEncrypt {
		return errCryptInjected
	}
	return nil
}
