package session

import (
	"bytes"
	"errors"

	"github.com/nxdthost/nxdt-host/protocol"
)

// ErrBlockTooShort is returned by ParseClientVersion when the StartSession
// block is smaller than 16 bytes.
var ErrBlockTooShort = errors.New("session: StartSession block too short")

// ParseClientVersion decodes the 16-byte StartSession block: bytes [0:3] are
// major/minor/micro (u8 each), byte [3] packs the ABI version as
// (major<<4)|minor, bytes [4:12] are an 8-byte ASCII git commit hash
// (right-trimmed of NULs and whitespace), and bytes [12:16] are reserved.
func ParseClientVersion(block []byte) (ClientVersion, error) {
	if len(block) < protocol.BlockSizeStartSession {
		return ClientVersion{}, ErrBlockTooShort
	}
	commit := bytes.TrimRight(block[4:12], "\x00 \t\r\n")
	return ClientVersion{
		Major:     block[0],
		Minor:     block[1],
		Micro:     block[2],
		ABIMajor:  (block[3] >> 4) & 0x0F,
		ABIMinor:  block[3] & 0x0F,
		GitCommit: string(commit),
	}, nil
}

// SupportsABI reports whether v's ABI matches the one version this host
// accepts.
func (v ClientVersion) SupportsABI() bool {
	return v.ABIMajor == protocol.SupportedAbiMajor && v.ABIMinor == protocol.SupportedAbiMinor
}
