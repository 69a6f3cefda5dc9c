package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/oriys/hvbus/internal/hostemu"
	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/protocol"
)

// recordingPoster wraps a poster and records the version of every
// handshake request that passes through it.
type recordingPoster struct {
	inner hvcall.MessagePoster

	mu       sync.Mutex
	versions []protocol.Version
	connIDs  []uint32
}

func (r *recordingPoster) PostMessage(connID uint32, msgType uint32, payload []byte) hvcall.Status {
	if protocol.HeaderType(payload) == protocol.MsgInitiateContact {
		if m, err := protocol.DecodeInitiateContact(payload); err == nil {
			r.mu.Lock()
			r.versions = append(r.versions, m.VersionRequested)
			r.connIDs = append(r.connIDs, connID)
			r.mu.Unlock()
		}
	}
	return r.inner.PostMessage(connID, msgType, payload)
}

func (r *recordingPoster) attempts() []protocol.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Version(nil), r.versions...)
}

func TestNegotiationDescendingStopsAtAccepted(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_1)
	rec := &recordingPoster{inner: host}
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{Poster: rec}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	want := []protocol.Version{
		protocol.VersionWin10V5_3,
		protocol.VersionWin10V5_2,
		protocol.VersionWin10V5_1,
	}
	got := rec.attempts()
	if len(got) != len(want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d = %s, want %s", i, got[i], want[i])
		}
	}
	if c.Version() != protocol.VersionWin10V5_1 {
		t.Fatalf("negotiated = %s", c.Version())
	}
}

func TestConnectFailsWithDomainExhaustion(t *testing.T) {
	// A host older than everything the guest offers.
	host := hostemu.New(protocol.VersionWin7)
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{}, Config{})

	err := c.Connect()
	if !errors.Is(err, ErrNoCompatibleVersion) {
		t.Fatalf("error = %v, want ErrNoCompatibleVersion", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("domain exhaustion must be distinct from a timeout")
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestConnectAbortsOnTimeout(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{}, Config{})

	host.ScriptStatuses(hvcall.StatusTimeout)
	err := c.Connect()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	// A timeout aborts the whole attempt; no fallback to older versions.
	if host.Posts() != 1 {
		t.Fatalf("posts = %d, timeout should not fall back", host.Posts())
	}
}

func TestMaxVersionCapSkipsNewerVersions(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	rec := &recordingPoster{inner: host}
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{Poster: rec},
		Config{MaxVersion: protocol.VersionWin10V4_1})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	got := rec.attempts()
	if len(got) != 1 || got[0] != protocol.VersionWin10V4_1 {
		t.Fatalf("attempts = %v, want only 4.1", got)
	}
	if c.Version() != protocol.VersionWin10V4_1 {
		t.Fatalf("negotiated = %s", c.Version())
	}
}

func TestIsolationRejectsPreIsolationVersion(t *testing.T) {
	// Host accepts 5.0, which predates safe isolation support.
	host := hostemu.New(protocol.VersionWin10V5)
	c, _, _ := testConn(host, &hvcall.Platform{Isolation: hvcall.IsolationSNP},
		Collaborators{Secure: host}, Config{})

	err := c.Connect()
	if !errors.Is(err, ErrIsolationVersion) {
		t.Fatalf("error = %v, want ErrIsolationVersion", err)
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestDynamicConnIDAdoptedForModernProtocol(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	rec := &recordingPoster{inner: host}
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{Poster: rec}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// The handshake itself must go out on the fixed alternate id.
	if rec.connIDs[0] != protocol.MessageConnectionID4 {
		t.Fatalf("handshake conn id = %d, want %d", rec.connIDs[0], protocol.MessageConnectionID4)
	}
	// Afterwards the host-assigned id replaces it.
	if c.MessageConnID() != hostemu.DefaultDynamicConnID {
		t.Fatalf("conn id = %#x, want host-assigned %#x", c.MessageConnID(), hostemu.DefaultDynamicConnID)
	}
}

func TestLegacyProtocolUsesFixedConnIDAndInterruptPage(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V4_1)
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.Version() != protocol.VersionWin10V4_1 {
		t.Fatalf("negotiated = %s", c.Version())
	}
	if c.MessageConnID() != protocol.MessageConnectionID {
		t.Fatalf("conn id = %d, want legacy %d", c.MessageConnID(), protocol.MessageConnectionID)
	}

	contact := host.LastContact()
	if contact.InterruptPage == 0 {
		t.Fatal("legacy handshake must carry the interrupt page address")
	}
	if contact.MonitorPage1 == 0 || contact.MonitorPage2 == 0 {
		t.Fatal("handshake must carry both monitor page addresses")
	}
}

func TestOldHostFallbackAcrossConnIDSchemes(t *testing.T) {
	// An old host rejects connection id 4 outright; the guest must fall
	// back to pre-5.0 versions on the legacy id and still connect.
	host := hostemu.New(protocol.VersionWin10V4_1)
	rec := &recordingPoster{inner: host}
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{Poster: rec}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	got := rec.attempts()
	// 5.3 through 5.0 are rejected at the transport (invalid connection
	// id), then 4.1 succeeds.
	if len(got) != 5 {
		t.Fatalf("attempts = %v, want 5 entries", got)
	}
	for i, id := range rec.connIDs[:4] {
		if id != protocol.MessageConnectionID4 {
			t.Fatalf("attempt %d used conn id %d", i, id)
		}
	}
	if rec.connIDs[4] != protocol.MessageConnectionID {
		t.Fatalf("final attempt used conn id %d, want legacy", rec.connIDs[4])
	}
	if c.Version() != protocol.VersionWin10V4_1 {
		t.Fatalf("negotiated = %s", c.Version())
	}
}

func TestSharedGPABoundaryAppliedToMonitorPages(t *testing.T) {
	const boundary = uint64(1) << 47
	host := hostemu.New(protocol.VersionWin10V5_3)
	c, _, _ := testConn(host,
		&hvcall.Platform{Isolation: hvcall.IsolationSNP, SharedGPABoundary: boundary},
		Collaborators{Secure: host}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	contact := host.LastContact()
	if contact.MonitorPage1&boundary == 0 || contact.MonitorPage2&boundary == 0 {
		t.Fatal("monitor page addresses must carry the shared GPA boundary")
	}
}

func TestUnloadWaitsForHostAck(t *testing.T) {
	host := hostemu.New(protocol.VersionWin10V5_3)
	c, _, _ := testConn(host, &hvcall.Platform{}, Collaborators{}, Config{})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The emulated host acks synchronously, so a waiting unload must
	// complete rather than hang.
	c.initiateUnload(true)
	if c.State() != Disconnected {
		t.Fatalf("state = %s", c.State())
	}
	c.Disconnect()
}
