// Package protocol defines the wire-level constants and message layouts of
// the guest/host bus: protocol versions, channel message type tags, the
// handshake request and response, and the shared-page geometry.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a bus protocol version, major in the high 16 bits and minor in
// the low 16 bits, so ordinary integer comparison orders versions correctly.
type Version uint32

const (
	VersionWS2008    Version = 0<<16 | 13
	VersionWin7      Version = 1<<16 | 1
	VersionWin8      Version = 2<<16 | 4
	VersionWin8_1    Version = 3<<16 | 0
	VersionWin10     Version = 4<<16 | 0
	VersionWin10V4_1 Version = 4<<16 | 1
	VersionWin10V5   Version = 5<<16 | 0
	VersionWin10V5_1 Version = 5<<16 | 1
	VersionWin10V5_2 Version = 5<<16 | 2
	VersionWin10V5_3 Version = 5<<16 | 3
)

// Supported lists the versions the guest can negotiate, newest first.
// WS2008 and Win7 hosts are no longer supported and are not listed.
var Supported = []Version{
	VersionWin10V5_3,
	VersionWin10V5_2,
	VersionWin10V5_1,
	VersionWin10V5,
	VersionWin10V4_1,
	VersionWin10,
	VersionWin8_1,
	VersionWin8,
}

// MinIsolatedVersion is the oldest version that is safe to run on a host
// with confidential-VM isolation support.
const MinIsolatedVersion = VersionWin10V5_2

func (v Version) Major() uint16 { return uint16(v >> 16) }
func (v Version) Minor() uint16 { return uint16(v & 0xffff) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// ParseVersion parses a "major.minor" string such as "5.3".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("malformed version %q", s)
	}
	hi, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed version %q: %v", s, err)
	}
	lo, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed version %q: %v", s, err)
	}
	return Version(hi)<<16 | Version(lo), nil
}

// Channel message type tags carried in the message header. Only the subset
// the connection layer itself produces or consumes is listed; offer and
// GPADL management tags belong to the enumeration layer.
const (
	MsgInvalid         uint32 = 0
	MsgInitiateContact uint32 = 14
	MsgVersionResponse uint32 = 15
	MsgUnload          uint32 = 16
	MsgUnloadResponse  uint32 = 17
)

// Connection ids for the outgoing control-message channel. Hosts speaking
// protocol 5.0 or newer require id 4 for the initiate-contact message and
// then hand back their own id in the version response; older hosts always
// use id 1.
const (
	MessageConnectionID  uint32 = 1
	MessageConnectionID4 uint32 = 4
)

// MessageSINT is the synthetic interrupt source the guest keeps using for
// host messages, stated explicitly in the 5.0+ handshake for compatibility.
const MessageSINT uint8 = 2

// EventConnectionID is the hypercall payload used when signaling the host
// that channel data is pending.
const EventConnectionID uint64 = 2

// PageSize is the hypervisor page size shared pages must be sized to.
const PageSize = 4096

// MaxRelIDs bounds the relative-id space of the channel table. It matches
// the number of event flag bits addressable in one interrupt-page half.
const MaxRelIDs = 2048

// HostMessageType is the port message type used when posting to the host.
const HostMessageType uint32 = 1
