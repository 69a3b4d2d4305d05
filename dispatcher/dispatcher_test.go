package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdthost/nxdt-host/dispatcher"
	"github.com/nxdthost/nxdt-host/events"
	"github.com/nxdthost/nxdt-host/obslog"
	"github.com/nxdthost/nxdt-host/protocol"
	"github.com/nxdthost/nxdt-host/receive"
)

// scriptedTransport replays a queue of canned reads and records every
// write, letting a test script an entire wire exchange deterministically.
type scriptedTransport struct {
	reads  [][]byte
	writes [][]byte
}

func (s *scriptedTransport) Read(ctx context.Context, n int, timeoutMillis int) ([]byte, error) {
	if len(s.reads) == 0 {
		return nil, nil
	}
	chunk := s.reads[0]
	s.reads = s.reads[1:]
	return chunk, nil
}

func (s *scriptedTransport) Write(ctx context.Context, data []byte, timeoutMillis int) (bool, error) {
	s.writes = append(s.writes, append([]byte(nil), data...))
	return true, nil
}

func header(cmdID, blockSize uint32) []byte {
	buf := make([]byte, protocol.HeaderSize)
	copy(buf[0:4], protocol.Magic[:])
	putLE32(buf[4:8], cmdID)
	putLE32(buf[8:12], blockSize)
	return buf
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func statusOf(t *testing.T, buf []byte) uint32 {
	t.Helper()
	require.Len(t, buf, protocol.HeaderSize)
	return uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
}

func newDispatcher(t *testing.T, transport dispatcher.Transport) *dispatcher.Dispatcher {
	t.Helper()
	stream := events.NewStream(64)
	recv := &receive.Engine{
		Transport:             transport.(receive.Transport),
		Log:                   obslog.New(stream),
		Stream:                stream,
		OutputDir:             t.TempDir(),
		MaxPacketSize:         512,
		DisableFreeSpaceCheck: true,
	}
	return dispatcher.New(transport, recv, obslog.New(stream), 512)
}

func startSessionBlock(abiMajor, abiMinor uint8) []byte {
	block := make([]byte, protocol.HeaderSize)
	block[3] = (abiMajor << 4) | (abiMinor & 0x0F)
	return block
}

func TestRunAcceptsSupportedAbiAndTerminatesOnEndSession(t *testing.T) {
	transport := &scriptedTransport{
		reads: [][]byte{
			header(protocol.CmdStartSession, protocol.HeaderSize),
			startSessionBlock(1, 2),
			header(protocol.CmdEndSession, 0),
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.writes, 2)
	assert.Equal(t, protocol.StatusSuccess, statusOf(t, transport.writes[0]))
	assert.Equal(t, protocol.StatusSuccess, statusOf(t, transport.writes[1]))
}

func TestRunRejectsUnsupportedAbiAndTerminates(t *testing.T) {
	transport := &scriptedTransport{
		reads: [][]byte{
			header(protocol.CmdStartSession, protocol.HeaderSize),
			startSessionBlock(1, 3),
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.writes, 1)
	assert.Equal(t, protocol.StatusUnsupportedAbiVersion, statusOf(t, transport.writes[0]))
}

func TestRunRespondsToMagicMismatchWithoutTerminating(t *testing.T) {
	badHeader := header(protocol.CmdStartSession, 0)
	badHeader[0] = 'X'

	transport := &scriptedTransport{
		reads: [][]byte{
			badHeader,
			header(protocol.CmdStartSession, protocol.HeaderSize),
			startSessionBlock(1, 2),
			header(protocol.CmdEndSession, 0),
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.writes, 3)
	assert.Equal(t, protocol.StatusInvalidMagicWord, statusOf(t, transport.writes[0]))
	assert.Equal(t, protocol.StatusSuccess, statusOf(t, transport.writes[1]))
}

func TestRunUnknownCommandRespondsUnsupported(t *testing.T) {
	transport := &scriptedTransport{
		reads: [][]byte{
			header(99, 0),
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.writes, 1)
	assert.Equal(t, protocol.StatusUnsupportedCmd, statusOf(t, transport.writes[0]))
}

func TestRunSendFilePropertiesBeforeSessionIsMalformed(t *testing.T) {
	block := make([]byte, protocol.BlockSizeSendFileProperties)
	transport := &scriptedTransport{
		reads: [][]byte{
			header(protocol.CmdSendFileProperties, protocol.BlockSizeSendFileProperties),
			block,
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, transport.writes, 1)
	assert.Equal(t, protocol.StatusMalformedCmd, statusOf(t, transport.writes[0]))
}

func TestRunStandaloneCancelOutsideNspIsMalformed(t *testing.T) {
	transport := &scriptedTransport{
		reads: [][]byte{
			header(protocol.CmdCancelFileTransfer, 0),
		},
	}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMalformedCmd, statusOf(t, transport.writes[0]))
}

func TestRunTerminatesOnStopWithoutHeader(t *testing.T) {
	transport := &scriptedTransport{}
	d := newDispatcher(t, transport)

	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, transport.writes, 0)
}
