package bus

import (
	"fmt"
	"time"

	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
	"github.com/oriys/hvbus/internal/metrics"
	"github.com/oriys/hvbus/internal/protocol"
)

const (
	postMaxRetries = 100
	// The retry delay doubles until this many retries, then stays
	// constant at roughly two seconds.
	postBackoffCapRetry = 22
	// Busy-waits above this many microseconds fall back to millisecond
	// granularity.
	maxBusyMicros = 2000
)

// PostMessage sends a control message on the connection's message channel.
// The underlying primitive fails transiently under resource pressure, so
// transient statuses are retried with exponential backoff; sub-millisecond
// delays busy-wait, and longer ones sleep only when the caller permits
// blocking. A fatal status is surfaced immediately.
func (c *Connection) PostMessage(buf []byte, canSleep bool) error {
	start := time.Now()
	defer func() {
		metrics.RecordPostDuration(time.Since(start).Seconds())
	}()

	usec := uint64(1)
	var lastErr error
	for retries := 0; retries < postMaxRetries; retries++ {
		status := c.collab.Poster.PostMessage(c.msgConnID.Load(), protocol.HostMessageType, buf)

		switch status {
		case hvcall.StatusSuccess:
			metrics.RecordMessagePosted()
			return nil

		case hvcall.StatusInvalidConnectionID:
			// For the handshake this means the host predates the
			// 5.0 connection id scheme and retrying cannot help;
			// the caller falls back to an older version. For any
			// other message the host is rate limiting us.
			if protocol.HeaderType(buf) == protocol.MsgInitiateContact {
				metrics.RecordPostFailure(status.String())
				return ErrInvalidConnectionID
			}
			lastErr = errRateLimited

		case hvcall.StatusInsufficientMemory, hvcall.StatusInsufficientBuffers:
			lastErr = errNoBuffers

		case hvcall.StatusTimeout:
			metrics.RecordPostFailure(status.String())
			return ErrTimeout

		default:
			logging.Op().Error("post message failed", "status", status.String())
			metrics.RecordPostFailure(status.String())
			return fmt.Errorf("%w: %s", ErrPostFailed, status)
		}

		metrics.RecordPostRetry()

		switch {
		case canSleep && usec > 1000:
			c.sleep(time.Duration(usec/1000) * time.Millisecond)
		case usec < maxBusyMicros:
			c.busyWait(time.Duration(usec) * time.Microsecond)
		default:
			c.busyWait(time.Duration(usec/1000) * time.Millisecond)
		}

		if retries < postBackoffCapRetry-1 {
			usec *= 2
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", postMaxRetries, lastErr)
}
