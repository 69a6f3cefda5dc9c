package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/hvbus/internal/channel"
	"github.com/oriys/hvbus/internal/hostemu"
	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/protocol"
)

// fakeRing scripts EndBatch results and counts batch bracketing.
type fakeRing struct {
	hasMore []bool

	begins atomic.Int32
	ends   atomic.Int32
}

func (r *fakeRing) BeginBatch() { r.begins.Add(1) }

func (r *fakeRing) EndBatch() bool {
	n := int(r.ends.Add(1)) - 1
	if n < len(r.hasMore) {
		return r.hasMore[n]
	}
	return false
}

func connectedConn(t *testing.T, host *hostemu.Host, platform *hvcall.Platform, collab Collaborators) *Connection {
	t.Helper()
	c, _, _ := testConn(host, platform, collab, Config{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestDispatchWithoutCallbackIsNoop(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{}, Collaborators{})

	ring := &fakeRing{}
	ch := channel.New(3, uuid.New())
	ch.Inbound = ring

	c.OnEvent(ch)

	if ring.begins.Load() != 0 || ring.ends.Load() != 0 {
		t.Fatal("unowned channel must cause no ring activity")
	}
}

func TestDispatchDirectModeSkipsBatching(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{}, Collaborators{})

	ring := &fakeRing{hasMore: []bool{true}}
	ch := channel.New(3, uuid.New())
	ch.Mode = channel.CallDirect
	ch.Inbound = ring

	var calls atomic.Int32
	ch.SetCallback(func(any) { calls.Add(1) }, nil)

	c.OnEvent(ch)

	if calls.Load() != 1 {
		t.Fatalf("callback ran %d times", calls.Load())
	}
	if ring.ends.Load() != 0 {
		t.Fatal("direct mode must not bracket batches")
	}
}

func TestDispatchBatchedStopsWhenDrained(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{}, Collaborators{})

	ring := &fakeRing{hasMore: []bool{false}}
	ch := channel.New(3, uuid.New())
	ch.Inbound = ring

	var calls atomic.Int32
	ch.SetCallback(func(any) { calls.Add(1) }, nil)
	if err := c.InstallChannel(ch); err != nil {
		t.Fatalf("InstallChannel: %v", err)
	}
	defer c.RemoveChannel(ch)

	c.OnEvent(ch)

	if calls.Load() != 1 {
		t.Fatalf("callback ran %d times", calls.Load())
	}
	if ring.ends.Load() != 1 || ring.begins.Load() != 0 {
		t.Fatalf("batch bracketing: ends=%d begins=%d", ring.ends.Load(), ring.begins.Load())
	}
}

func TestDispatchBatchedReschedulesWhileMoreData(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{}, Collaborators{})

	// Three rounds report more pending data, the fourth is drained, so
	// dispatch must run exactly four times via tasklet reschedules.
	ring := &fakeRing{hasMore: []bool{true, true, true, false}}
	ch := channel.New(3, uuid.New())
	ch.Inbound = ring

	var calls atomic.Int32
	ch.SetCallback(func(any) { calls.Add(1) }, nil)
	if err := c.InstallChannel(ch); err != nil {
		t.Fatalf("InstallChannel: %v", err)
	}
	defer c.RemoveChannel(ch)

	ch.Tasklet().Schedule()

	deadline := time.After(2 * time.Second)
	for calls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("dispatch stalled after %d calls", calls.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Let any stray reschedule surface.
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 4 {
		t.Fatalf("callback ran %d times, want 4", got)
	}
	if got := ring.begins.Load(); got != 3 {
		t.Fatalf("batch re-opened %d times, want 3", got)
	}
}

func TestSetEventRaisesInterruptForSharedChannels(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{},
		Collaborators{Interrupts: host})

	ch := channel.New(9, uuid.New())
	c.SetEvent(ch)

	if host.Interrupts() != 1 || host.LastRelID() != 9 {
		t.Fatalf("interrupts=%d relid=%d", host.Interrupts(), host.LastRelID())
	}
	if ch.SigEvents() != 1 {
		t.Fatalf("sig events = %d", ch.SigEvents())
	}

	dedicated := channel.New(10, uuid.New())
	dedicated.DedicatedInterrupt = true
	c.SetEvent(dedicated)

	if host.Interrupts() != 1 {
		t.Fatal("dedicated-interrupt channel must skip the generic interrupt")
	}
}

func TestSetEventDefaultSenderSetsPageBit(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c, tracker, _ := testConn(host, &hvcall.Platform{}, Collaborators{}, Config{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	const relid = 37
	c.SetEvent(channel.New(relid, uuid.New()))

	send := tracker.interrupt().Bytes()[protocol.PageSize/2:]
	if send[relid/8]&(1<<(relid%8)) == 0 {
		t.Fatalf("event bit %d not set in send half", relid)
	}
}

func TestSignalFastPathCarriesNestedBit(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host, &hvcall.Platform{Nested: true}, Collaborators{Interrupts: host})

	c.SetEvent(channel.New(1, uuid.New()))

	if host.FastCalls() != 1 {
		t.Fatalf("fast calls = %d", host.FastCalls())
	}
	control := host.LastControl()
	if control&hvcall.SignalEventCall == 0 {
		t.Fatalf("control %#x missing signal-event code", control)
	}
	if control&hvcall.FastBit == 0 {
		t.Fatalf("control %#x missing fast bit", control)
	}
	if control&hvcall.NestedBit == 0 {
		t.Fatalf("control %#x missing nested bit", control)
	}
	if host.LastSignal() != protocol.EventConnectionID {
		t.Fatalf("signal payload = %#x", host.LastSignal())
	}
}

func TestSignalSecurePathUnderParavisor(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c := connectedConn(t, host,
		&hvcall.Platform{Isolation: hvcall.IsolationSNP, ParavisorPresent: true},
		Collaborators{Secure: host, Interrupts: host})

	c.SetEvent(channel.New(1, uuid.New()))

	if host.Signals() != 1 {
		t.Fatalf("secure signals = %d", host.Signals())
	}
	if host.FastCalls() != 0 {
		t.Fatal("isolated platform must not use the fast hypercall path")
	}
}

func TestSignalUnsupportedIsolationComboIsFlaggedNotFatal(t *testing.T) {
	warns := captureLogs(t)
	host := hostemu.New(protocol.VersionWin10V5_3)
	// Paravisor present but no recognized isolation technology.
	c := connectedConn(t, host,
		&hvcall.Platform{ParavisorPresent: true},
		Collaborators{Interrupts: host})

	c.SetEvent(channel.New(1, uuid.New()))

	if warns.Load() == 0 {
		t.Fatal("unsupported isolation combination must be flagged")
	}
	if host.FastCalls() != 0 || host.Signals() != 0 {
		t.Fatal("unsupported combination must not signal at all")
	}
}
