// Package bus implements the connection layer of the guest/host
// paravirtual transport: version negotiation with backward-compatible
// fallback, lifecycle of the pinned pages shared with the host, the
// retrying control-message transport, channel lookup, event dispatch, and
// host signaling.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/hvbus/internal/channel"
	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/metrics"
	"github.com/oriys/hvbus/internal/pages"
	"github.com/oriys/hvbus/internal/protocol"
	"github.com/oriys/hvbus/internal/workqueue"
)

var (
	// ErrNoCompatibleVersion means the host refused every version the
	// guest offered. Distinct from transport failures.
	ErrNoCompatibleVersion = errors.New("no compatible bus protocol version")
	// ErrVersionRefused means the host rejected one requested version;
	// the connect loop falls back to the next older one.
	ErrVersionRefused = errors.New("host refused protocol version")
	// ErrTimeout is a hard transport timeout; it aborts the whole
	// connect attempt instead of falling back.
	ErrTimeout = errors.New("timed out posting message to host")
	// ErrPostFailed is any non-transient, non-timeout post failure.
	ErrPostFailed = errors.New("post message failed")
	// ErrInvalidConnectionID means the host does not understand the
	// connection id used for the handshake, i.e. it predates the 5.0
	// id scheme. Never retried for the handshake message.
	ErrInvalidConnectionID = errors.New("host rejected message connection id")
	// ErrIsolationVersion rejects an otherwise-successful negotiation on
	// an isolation-capable host below the minimum safe version.
	ErrIsolationVersion = errors.New("negotiated version predates isolation support")
	// ErrCryptTransition means an encryption-state transition on a
	// shared page failed, leaving the page's state unknown.
	ErrCryptTransition = errors.New("shared page encryption transition failed")

	errNoChannelTable = errors.New("connection has no channel table")
	errNoBuffers      = errors.New("insufficient host resources for message post")
	errRateLimited    = errors.New("message posts rate limited by host")
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config carries the connection tunables.
type Config struct {
	// MaxVersion caps negotiation; versions above it are skipped. Zero
	// means no cap. Exists for testing against older host behavior.
	MaxVersion protocol.Version
}

// Collaborators are the external primitives the connection drives. Poster
// is required. Fast is required on non-isolated platforms, Secure on
// isolated ones. Interrupts defaults to setting event bits in the send
// half of the interrupt page; Protector defaults to a no-op.
type Collaborators struct {
	Poster     hvcall.MessagePoster
	Fast       hvcall.FastCaller
	Secure     hvcall.SecureSignaler
	Interrupts hvcall.InterruptSender
	Protector  pages.Protector
}

// sharedPage is the pinned shared buffer resource the connection owns.
// *pages.Page satisfies it; tests substitute recording fakes.
type sharedPage interface {
	Bytes() []byte
	BusAddr() uint64
	Zero()
	Free() error
}

type channelTable []atomic.Pointer[channel.Channel]

// Connection is the single logical transport between guest and host. One
// instance per process; Connect and Disconnect are driven by a single
// control caller, while lookup, dispatch, and signaling run concurrently
// with each other.
type Connection struct {
	cfg      Config
	platform *hvcall.Platform
	collab   Collaborators

	state     atomic.Int32
	version   protocol.Version
	msgConnID atomic.Uint32

	intPage      sharedPage
	recvInt      []byte
	sendInt      []byte
	monitorPages [2]sharedPage

	// Four independent queues so rescission handling can never starve
	// behind channel setup or vice versa.
	workQueue    *workqueue.Queue
	rescindQueue *workqueue.Queue
	priChanQueue *workqueue.Queue
	subChanQueue *workqueue.Queue

	chanTable atomic.Pointer[channelTable]

	pendingMu sync.Mutex
	pending   []*pendingRequest

	unload atomic.Pointer[completion]

	noTableOnce sync.Once

	signal     func(input uint64)
	interrupts hvcall.InterruptSender

	// Replaceable for tests.
	newQueue  func(name string) (*workqueue.Queue, error)
	allocPage func() (sharedPage, error)
	busyWait  func(d time.Duration)
	sleep     func(d time.Duration)
}

// New builds a connection for the given platform. It performs no host
// communication; call Connect to establish the transport.
func New(platform *hvcall.Platform, collab Collaborators, cfg Config) *Connection {
	if platform == nil {
		platform = &hvcall.Platform{}
	}
	if collab.Protector == nil {
		collab.Protector = pages.NoopProtector{}
	}
	if cfg.MaxVersion == 0 {
		cfg.MaxVersion = protocol.Supported[0]
	}

	c := &Connection{
		cfg:      cfg,
		platform: platform,
		collab:   collab,
		newQueue: workqueue.New,
		allocPage: func() (sharedPage, error) {
			return pages.Alloc()
		},
		busyWait: spinWait,
		sleep:    time.Sleep,
	}
	c.msgConnID.Store(protocol.MessageConnectionID)
	c.interrupts = collab.Interrupts
	if c.interrupts == nil {
		c.interrupts = &pageInterruptSender{conn: c}
	}
	c.selectSignalPath()
	return c
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetConnectionState(int(s))
}

// Version returns the negotiated protocol version. Valid only while
// Connected.
func (c *Connection) Version() protocol.Version {
	return c.version
}

// MessageConnID returns the connection id currently used for outgoing
// control messages.
func (c *Connection) MessageConnID() uint32 {
	return c.msgConnID.Load()
}

// Connect establishes the transport: background queues, shared pages,
// version negotiation, and the channel table. Any failure unwinds through
// the same cleanup as Disconnect and is returned to the caller.
func (c *Connection) Connect() error {
	c.setState(Connecting)
	if err := c.connect(); err != nil {
		logging.Op().Error("unable to connect to host", "error", err)
		c.setState(Disconnected)
		c.Disconnect()
		return err
	}
	return nil
}

func (c *Connection) connect() error {
	var err error
	if c.workQueue, err = c.newQueue("hv_bus_con"); err != nil {
		return err
	}
	if c.rescindQueue, err = c.newQueue("hv_bus_rescind"); err != nil {
		return err
	}
	if c.priChanQueue, err = c.newQueue("hv_pri_chan"); err != nil {
		return err
	}
	if c.subChanQueue, err = c.newQueue("hv_sub_chan"); err != nil {
		return err
	}

	// The interrupt page is split into a receive half and a send half.
	if c.intPage, err = c.allocPage(); err != nil {
		return err
	}
	c.intPage.Zero()
	b := c.intPage.Bytes()
	c.recvInt = b[:len(b)/2]
	c.sendInt = b[len(b)/2:]

	// Monitor pages: the first for host->guest, the second for
	// guest->host.
	if c.monitorPages[0], err = c.allocPage(); err != nil {
		return err
	}
	if c.monitorPages[1], err = c.allocPage(); err != nil {
		return err
	}

	err = c.collab.Protector.SetDecrypted(c.monitorPages[0].Bytes())
	if err2 := c.collab.Protector.SetDecrypted(c.monitorPages[1].Bytes()); err == nil {
		err = err2
	}
	if err != nil {
		// The encryption state of the pages is now unknown. Leak them
		// instead of risking returning decrypted memory to the
		// allocator. Handle both pages the same for simplicity.
		c.monitorPages[0] = nil
		c.monitorPages[1] = nil
		return fmt.Errorf("decrypting monitor pages: %v: %w", err, ErrCryptTransition)
	}

	// The decryption transition may change page contents, so zero the
	// monitor pages only now.
	c.monitorPages[0].Zero()
	c.monitorPages[1].Zero()

	// Negotiate a compatible version with the host, starting with the
	// newest we support and working down.
	var version protocol.Version
	for i := 0; ; i++ {
		if i == len(protocol.Supported) {
			return ErrNoCompatibleVersion
		}
		version = protocol.Supported[i]
		if version > c.cfg.MaxVersion {
			continue
		}

		err = c.negotiateVersion(version)
		if errors.Is(err, ErrTimeout) {
			return err
		}
		if c.State() == Connected {
			break
		}
	}

	if c.platform.Isolated() && version < protocol.MinIsolatedVersion {
		logging.Op().Error("invalid bus version from host supporting isolation",
			"version", version.String(), "minimum", protocol.MinIsolatedVersion.String())
		return ErrIsolationVersion
	}

	c.version = version
	logging.Op().Info("bus connected", "version", version.String())

	table := make(channelTable, protocol.MaxRelIDs)
	c.chanTable.Store(&table)
	return nil
}

// Disconnect tears the transport down. Idempotent, and safe on a
// connection that never fully connected: each resource is released only if
// present, and a monitor page whose re-encryption fails is leaked rather
// than freed in an unknown state.
func (c *Connection) Disconnect() {
	c.initiateUnload(false)

	if c.subChanQueue != nil {
		c.subChanQueue.Close()
		c.subChanQueue = nil
	}
	if c.priChanQueue != nil {
		c.priChanQueue.Close()
		c.priChanQueue = nil
	}
	if c.rescindQueue != nil {
		c.rescindQueue.Close()
		c.rescindQueue = nil
	}
	if c.workQueue != nil {
		c.workQueue.Close()
		c.workQueue = nil
	}

	if c.intPage != nil {
		_ = c.intPage.Free()
		c.intPage = nil
		c.recvInt, c.sendInt = nil, nil
	}

	for i, p := range c.monitorPages {
		if p == nil {
			continue
		}
		if err := c.collab.Protector.SetEncrypted(p.Bytes()); err != nil {
			logging.Op().Error("leaking monitor page with unknown encryption state",
				"page", i, "error", err)
		} else {
			_ = p.Free()
		}
		c.monitorPages[i] = nil
	}
}

// LookupRelID returns the channel for relid, or nil if none is installed.
// An out-of-range relid is a caller bug and is reported loudly.
func (c *Connection) LookupRelID(relid uint32) *channel.Channel {
	tbl := c.chanTable.Load()
	if tbl == nil {
		c.noTableOnce.Do(func() {
			logging.Op().Warn("channel lookup before table allocation", "relid", relid)
		})
		return nil
	}
	if relid >= protocol.MaxRelIDs {
		logging.Op().Error("channel relid out of range", "relid", relid, "max", protocol.MaxRelIDs)
		return nil
	}
	return (*tbl)[relid].Load()
}

// InstallChannel publishes ch in the channel table and binds its dispatch
// tasklet. Called by the enumeration layer once the channel is fully
// constructed.
func (c *Connection) InstallChannel(ch *channel.Channel) error {
	tbl := c.chanTable.Load()
	if tbl == nil {
		return errNoChannelTable
	}
	if ch.RelID >= protocol.MaxRelIDs {
		return fmt.Errorf("relid %d out of range", ch.RelID)
	}
	ch.BindTasklet(workqueue.NewTasklet(func() { c.OnEvent(ch) }))
	(*tbl)[ch.RelID].Store(ch)
	return nil
}

// RemoveChannel takes ch out of the table and stops its tasklet.
func (c *Connection) RemoveChannel(ch *channel.Channel) {
	tbl := c.chanTable.Load()
	if tbl == nil || ch.RelID >= protocol.MaxRelIDs {
		return
	}
	(*tbl)[ch.RelID].Store(nil)
	if t := ch.Tasklet(); t != nil {
		t.Stop()
	}
}

// WorkQueue returns the general connection work queue, or nil before
// Connect. The enumeration layer schedules offer work on it.
func (c *Connection) WorkQueue() *workqueue.Queue { return c.workQueue }

// RescindQueue returns the rescission handling queue, or nil before
// Connect.
func (c *Connection) RescindQueue() *workqueue.Queue { return c.rescindQueue }

// PrimaryChannelQueue returns the primary-channel handling queue, or nil
// before Connect.
func (c *Connection) PrimaryChannelQueue() *workqueue.Queue { return c.priChanQueue }

// SubChannelQueue returns the sub-channel handling queue, or nil before
// Connect.
func (c *Connection) SubChannelQueue() *workqueue.Queue { return c.subChanQueue }

func spinWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
