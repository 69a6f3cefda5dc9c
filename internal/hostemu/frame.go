package hostemu

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Wire framing for running the emulated host in another process: every
// frame is a 4-byte big-endian length followed by the payload.
//
// Guest -> host frames carry a post: connection id (4), message type (4),
// message body. Host -> guest frames carry a kind byte: kindStatus with a
// 4-byte post status, or kindMessage with a raw channel message the guest
// feeds into its response demux.
const (
	kindStatus  = 0
	kindMessage = 1

	maxFrameBytes = 64 * 1024
	postFrameMin  = 8
)

func writeFrame(conn net.Conn, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", frameLen)
	}
	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodePost(connID uint32, msgType uint32, body []byte) []byte {
	buf := make([]byte, postFrameMin+len(body))
	binary.BigEndian.PutUint32(buf[0:], connID)
	binary.BigEndian.PutUint32(buf[4:], msgType)
	copy(buf[postFrameMin:], body)
	return buf
}

func decodePost(payload []byte) (connID, msgType uint32, body []byte, err error) {
	if len(payload) < postFrameMin {
		return 0, 0, nil, fmt.Errorf("post frame truncated: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:]),
		binary.BigEndian.Uint32(payload[4:]),
		payload[postFrameMin:], nil
}
