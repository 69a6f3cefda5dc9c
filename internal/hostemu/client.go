package hostemu

import (
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
)

// postReplyTimeout bounds how long a remote post waits for its status
// reply before reporting a transport timeout.
const postReplyTimeout = 10 * time.Second

// Client is the guest-side binding to a remote emulated host. It
// implements hvcall.MessagePoster over the framed connection and feeds
// delivered host messages into the handler given to Dial, normally
// Connection.DeliverMessage.
type Client struct {
	conn    net.Conn
	deliver func(raw []byte)

	writeMu sync.Mutex
	status  chan hvcall.Status

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a remote emulated host over vsock (cid/port) or TCP.
func Dial(useVsock bool, addr string, cid, port uint32, deliver func(raw []byte)) (*Client, error) {
	var conn net.Conn
	var err error
	if useVsock {
		conn, err = vsock.Dial(cid, port, nil)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(conn, deliver), nil
}

// NewClient wraps an established connection. Useful with net.Pipe in
// tests.
func NewClient(conn net.Conn, deliver func(raw []byte)) *Client {
	c := &Client{
		conn:    conn,
		deliver: deliver,
		status:  make(chan hvcall.Status, 1),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				logging.Op().Warn("host connection lost", "error", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case kindStatus:
			if len(payload) >= 5 {
				select {
				case c.status <- getStatus(payload[1:]):
				default:
				}
			}
		case kindMessage:
			if c.deliver != nil {
				c.deliver(payload[1:])
			}
		}
	}
}

// PostMessage implements hvcall.MessagePoster. A lost or late status reply
// surfaces as a transport timeout.
func (c *Client) PostMessage(connID uint32, msgType uint32, body []byte) hvcall.Status {
	c.writeMu.Lock()
	err := writeFrame(c.conn, encodePost(connID, msgType, body))
	c.writeMu.Unlock()
	if err != nil {
		return hvcall.StatusTimeout
	}

	select {
	case st := <-c.status:
		return st
	case <-time.After(postReplyTimeout):
		return hvcall.StatusTimeout
	case <-c.closed:
		return hvcall.StatusTimeout
	}
}
