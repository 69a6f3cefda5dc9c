// Package hvcall holds the narrow interfaces to the hypervisor primitives
// the connection layer consumes: posting port messages, fast hypercalls,
// the confidential-VM secure signaling paths, and interrupt delivery. Real
// platform bindings and the in-process host emulator both satisfy them.
package hvcall

import "fmt"

// Status is a hypervisor status code returned by the message-post primitive.
type Status uint32

const (
	StatusSuccess             Status = 0x0
	StatusInsufficientMemory  Status = 0xb
	StatusInvalidConnectionID Status = 0x12
	StatusInsufficientBuffers Status = 0x13
	StatusTimeout             Status = 0x78
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInsufficientMemory:
		return "insufficient memory"
	case StatusInvalidConnectionID:
		return "invalid connection id"
	case StatusInsufficientBuffers:
		return "insufficient buffers"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status %#x", uint32(s))
	}
}

// SignalEventCall is the hypercall code for signaling a channel event.
const SignalEventCall uint64 = 0x5d

// Control bits OR'ed into the fast hypercall code.
const (
	FastBit   uint64 = 1 << 16
	NestedBit uint64 = 1 << 30
)

// MessagePoster is the low-level lossy message primitive. Transient
// failures are expected; retry policy is the caller's concern.
type MessagePoster interface {
	PostMessage(connID uint32, msgType uint32, payload []byte) Status
}

// FastCaller issues a direct fast hypercall with a single 8-byte input.
// Used on ordinary (non-isolated) VMs.
type FastCaller interface {
	FastHypercall8(control uint64, input uint64)
}

// SecureSignaler is the isolation-specific signaling path of a confidential
// VM. Exactly one variant applies to a given platform (GHCB on SNP, TD-call
// on TDX); it is selected once at connection setup.
type SecureSignaler interface {
	SignalEvent(input uint64)
}

// InterruptSender raises the generic host interrupt for a channel that has
// no dedicated interrupt of its own.
type InterruptSender interface {
	SendInterrupt(relid uint32)
}

// IsolationType identifies the confidential-computing technology of the
// platform, if any.
type IsolationType int

const (
	IsolationNone IsolationType = iota
	IsolationSNP
	IsolationTDX
)

func (t IsolationType) String() string {
	switch t {
	case IsolationNone:
		return "none"
	case IsolationSNP:
		return "snp"
	case IsolationTDX:
		return "tdx"
	default:
		return fmt.Sprintf("isolation(%d)", int(t))
	}
}

// Platform describes the virtualization environment the guest runs in.
// It is read-only after construction.
type Platform struct {
	Isolation        IsolationType
	ParavisorPresent bool
	// SharedGPABoundary is OR'ed into shared-page addresses handed to the
	// host. Zero outside SNP VMs, so it is always safe to apply.
	SharedGPABoundary uint64
	// VTL is the virtual trust level reported in the 5.0+ handshake.
	VTL uint8
	// Nested is set when running under nested virtualization.
	Nested bool
	// ConnectVP is the virtual processor the host should target with
	// connection-wide messages.
	ConnectVP uint32
}

// Isolated reports whether the platform has confidential-VM isolation.
func (p *Platform) Isolated() bool {
	return p.Isolation != IsolationNone
}
