package bus

import (
	"sync"

	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/metrics"
	"github.com/oriys/hvbus/internal/protocol"
)

// completion is a one-shot wait event.
type completion struct {
	once sync.Once
	ch   chan struct{}
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

func (c *completion) complete() {
	c.once.Do(func() { close(c.ch) })
}

func (c *completion) wait() {
	<-c.ch
}

// pendingRequest is one in-flight control request awaiting a host
// response. It lives on the connection's pending list from before the send
// until after the response, because the response may race the send call's
// return.
type pendingRequest struct {
	requestType uint32
	done        *completion
	resp        protocol.VersionResponse
}

func (c *Connection) addPending(p *pendingRequest) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, p)
	c.pendingMu.Unlock()
}

func (c *Connection) removePending(p *pendingRequest) {
	c.pendingMu.Lock()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.pendingMu.Unlock()
}

// negotiateVersion runs one handshake attempt for the given version. On
// success the connection transitions to Connected and, for 5.0+, adopts
// the host-supplied message connection id.
func (c *Connection) negotiateVersion(version protocol.Version) error {
	req := &protocol.InitiateContact{
		VersionRequested: version,
		TargetVP:         c.platform.ConnectVP,
	}

	// Protocol 5.0 and higher require connection id 4 for the handshake
	// and switch to the id from the host's response afterwards; the
	// interrupt page gives way to an explicit SINT plus the guest's
	// virtual trust level. Older hosts always use id 1.
	if version >= protocol.VersionWin10V5 {
		req.MsgSINT = protocol.MessageSINT
		req.MsgVTL = c.platform.VTL
		c.msgConnID.Store(protocol.MessageConnectionID4)
	} else {
		req.InterruptPage = c.intPage.BusAddr()
		c.msgConnID.Store(protocol.MessageConnectionID)
	}

	// The shared GPA boundary is zero outside SNP VMs, so it is safe to
	// always OR it in.
	req.MonitorPage1 = c.monitorPages[0].BusAddr() | c.platform.SharedGPABoundary
	req.MonitorPage2 = c.monitorPages[1].BusAddr() | c.platform.SharedGPABoundary

	// Register before sending: the response may arrive before
	// PostMessage returns.
	pend := &pendingRequest{
		requestType: protocol.MsgInitiateContact,
		done:        newCompletion(),
	}
	c.addPending(pend)

	if err := c.PostMessage(req.Encode(), true); err != nil {
		c.removePending(pend)
		metrics.RecordNegotiation(version.String(), "send-error")
		return err
	}

	pend.done.wait()
	c.removePending(pend)

	if !pend.resp.VersionSupported {
		metrics.RecordNegotiation(version.String(), "refused")
		return ErrVersionRefused
	}

	c.setState(Connected)
	if version >= protocol.VersionWin10V5 {
		c.msgConnID.Store(pend.resp.MessageConnID)
	}
	metrics.RecordNegotiation(version.String(), "accepted")
	return nil
}

// DeliverMessage feeds a host message into the connection's response
// demux. The interrupt layer calls it for every message on the connection
// SINT; message types owned by the enumeration layer fall through.
func (c *Connection) DeliverMessage(raw []byte) {
	switch msgType := protocol.HeaderType(raw); msgType {
	case protocol.MsgVersionResponse:
		resp, err := protocol.DecodeVersionResponse(raw)
		if err != nil {
			logging.Op().Warn("dropping malformed version response", "error", err)
			return
		}
		c.pendingMu.Lock()
		for _, p := range c.pending {
			if p.requestType == protocol.MsgInitiateContact {
				p.resp = *resp
				p.done.complete()
				break
			}
		}
		c.pendingMu.Unlock()

	case protocol.MsgUnloadResponse:
		if comp := c.unload.Load(); comp != nil {
			comp.complete()
		}

	default:
		logging.Op().Debug("channel message not handled by connection layer", "type", msgType)
	}
}

// initiateUnload asks the host for an orderly unload. With canWait it
// blocks until the host acknowledges; teardown paths pass false and treat
// the request as best-effort.
func (c *Connection) initiateUnload(canWait bool) {
	if State(c.state.Swap(int32(Disconnected))) == Disconnected {
		return
	}
	metrics.SetConnectionState(int(Disconnected))

	comp := newCompletion()
	c.unload.Store(comp)

	if err := c.PostMessage(protocol.EncodeHeader(protocol.MsgUnload), canWait); err != nil {
		logging.Op().Warn("unload request not delivered", "error", err)
		return
	}
	if canWait {
		comp.wait()
	}
}
