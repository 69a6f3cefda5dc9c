package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the channel message header: a 32-bit type tag
// followed by 32 bits of padding.
const HeaderSize = 8

// InitiateContactSize is the encoded size of the handshake request.
const InitiateContactSize = HeaderSize + 32

// VersionResponseSize is the encoded size of the handshake response.
const VersionResponseSize = HeaderSize + 8

// HeaderType returns the message type tag of an encoded channel message, or
// MsgInvalid if the buffer is too short to carry a header.
func HeaderType(b []byte) uint32 {
	if len(b) < HeaderSize {
		return MsgInvalid
	}
	return binary.LittleEndian.Uint32(b)
}

// EncodeHeader encodes a bare channel message consisting only of a header,
// such as the unload request.
func EncodeHeader(msgType uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b, msgType)
	return b
}

// InitiateContact is the handshake request. For versions before 5.0 the
// third field is the interrupt page address; for 5.0 and newer the same
// eight bytes carry the message SINT and the virtual trust level instead,
// and the interrupt page is unused.
type InitiateContact struct {
	VersionRequested Version
	TargetVP         uint32

	// Pre-5.0 form.
	InterruptPage uint64

	// 5.0+ form.
	MsgSINT uint8
	MsgVTL  uint8

	MonitorPage1 uint64
	MonitorPage2 uint64
}

// Encode serializes the request. The version-dependent union field follows
// VersionRequested: callers populate either InterruptPage or MsgSINT/MsgVTL
// according to the version they are asking for.
func (m *InitiateContact) Encode() []byte {
	b := make([]byte, InitiateContactSize)
	binary.LittleEndian.PutUint32(b[0:], MsgInitiateContact)
	binary.LittleEndian.PutUint32(b[8:], uint32(m.VersionRequested))
	binary.LittleEndian.PutUint32(b[12:], m.TargetVP)
	if m.VersionRequested >= VersionWin10V5 {
		b[16] = m.MsgSINT
		b[17] = m.MsgVTL
	} else {
		binary.LittleEndian.PutUint64(b[16:], m.InterruptPage)
	}
	binary.LittleEndian.PutUint64(b[24:], m.MonitorPage1)
	binary.LittleEndian.PutUint64(b[32:], m.MonitorPage2)
	return b
}

// DecodeInitiateContact parses a handshake request. Used by the host
// emulator; the guest side only encodes.
func DecodeInitiateContact(b []byte) (*InitiateContact, error) {
	if len(b) < InitiateContactSize {
		return nil, fmt.Errorf("initiate contact message truncated: %d bytes", len(b))
	}
	m := &InitiateContact{
		VersionRequested: Version(binary.LittleEndian.Uint32(b[8:])),
		TargetVP:         binary.LittleEndian.Uint32(b[12:]),
		MonitorPage1:     binary.LittleEndian.Uint64(b[24:]),
		MonitorPage2:     binary.LittleEndian.Uint64(b[32:]),
	}
	if m.VersionRequested >= VersionWin10V5 {
		m.MsgSINT = b[16]
		m.MsgVTL = b[17]
	} else {
		m.InterruptPage = binary.LittleEndian.Uint64(b[16:])
	}
	return m, nil
}

// VersionResponse is the host's reply to an initiate-contact request.
// MessageConnID is meaningful only when the negotiated version is 5.0 or
// newer, in which case the guest must adopt it for all further messages.
type VersionResponse struct {
	VersionSupported bool
	ConnectionState  uint8
	MessageConnID    uint32
}

func (m *VersionResponse) Encode() []byte {
	b := make([]byte, VersionResponseSize)
	binary.LittleEndian.PutUint32(b[0:], MsgVersionResponse)
	if m.VersionSupported {
		b[8] = 1
	}
	b[9] = m.ConnectionState
	binary.LittleEndian.PutUint32(b[12:], m.MessageConnID)
	return b
}

func DecodeVersionResponse(b []byte) (*VersionResponse, error) {
	if len(b) < VersionResponseSize {
		return nil, fmt.Errorf("version response truncated: %d bytes", len(b))
	}
	return &VersionResponse{
		VersionSupported: b[8] != 0,
		ConnectionState:  b[9],
		MessageConnID:    binary.LittleEndian.Uint32(b[12:]),
	}, nil
}
