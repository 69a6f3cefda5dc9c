package hostemu

import (
	"errors"
	"net"
	"sync"

	"github.com/mdlayher/vsock"

	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/protocol"
)

// Listen opens the emulator's listener: an AF_VSOCK port when useVsock is
// set, otherwise a TCP address for development outside a VM.
func Listen(useVsock bool, addr string, port uint32) (net.Listener, error) {
	if useVsock {
		return vsock.Listen(port, nil)
	}
	return net.Listen("tcp", addr)
}

// Server serves the emulated host over framed connections. Each accepted
// connection gets its own Host so concurrent guests cannot observe each
// other's handshake state.
type Server struct {
	maxVersion protocol.Version
	ln         net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer wraps ln with an emulated host accepting versions up to
// maxVersion.
func NewServer(ln net.Listener, maxVersion protocol.Version) *Server {
	return &Server{
		maxVersion: maxVersion,
		ln:         ln,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts guests until Close. Always returns a non-nil error;
// net.ErrClosed after a clean shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return net.ErrClosed
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// Close stops the listener and drops open guest connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	return s.ln.Close()
}

// ServeConn serves one established connection, for transports that hand
// over connections directly (and for net.Pipe in tests).
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.serveConn(conn)
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var writeMu sync.Mutex
	host := New(s.maxVersion)
	host.SetDeliver(func(raw []byte) {
		frame := make([]byte, 1+len(raw))
		frame[0] = kindMessage
		copy(frame[1:], raw)
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeFrame(conn, frame); err != nil {
			logging.Op().Warn("emulated host: dropping delivery", "error", err)
		}
	})

	logging.Op().Info("emulated host: guest connected", "remote", conn.RemoteAddr().String())
	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Op().Info("emulated host: guest disconnected", "error", err)
			}
			return
		}
		connID, msgType, body, err := decodePost(payload)
		if err != nil {
			logging.Op().Warn("emulated host: bad post frame", "error", err)
			return
		}

		status := host.PostMessage(connID, msgType, body)

		reply := make([]byte, 5)
		reply[0] = kindStatus
		putStatus(reply[1:], status)
		writeMu.Lock()
		err = writeFrame(conn, reply)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func putStatus(b []byte, st hvcall.Status) {
	b[0] = byte(st)
	b[1] = byte(st >> 8)
	b[2] = byte(st >> 16)
	b[3] = byte(st >> 24)
}

func getStatus(b []byte) hvcall.Status {
	return hvcall.Status(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
