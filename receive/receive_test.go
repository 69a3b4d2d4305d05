package receive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdthost/nxdt-host/events"
	"github.com/nxdthost/nxdt-host/obslog"
	"github.com/nxdthost/nxdt-host/protocol"
	"github.com/nxdthost/nxdt-host/receive"
	"github.com/nxdthost/nxdt-host/session"
)

// fakeTransport is a receive.Transport double driven by a queue of canned
// read chunks; writes are just recorded.
type fakeTransport struct {
	reads  [][]byte
	writes [][]byte
}

func (f *fakeTransport) Read(ctx context.Context, n int, timeoutMillis int) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, nil
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	return chunk, nil
}

func (f *fakeTransport) Write(ctx context.Context, data []byte, timeoutMillis int) (bool, error) {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return true, nil
}

func newEngine(t *testing.T, transport receive.Transport) *receive.Engine {
	t.Helper()
	stream := events.NewStream(64)
	return &receive.Engine{
		Transport:             transport,
		Log:                   obslog.New(stream),
		Stream:                stream,
		OutputDir:             t.TempDir(),
		MaxPacketSize:         512,
		DisableFreeSpaceCheck: true,
	}
}

func sendFilePropertiesBlock(fileSize uint64, nspHeaderSize uint32, filename string) []byte {
	block := make([]byte, protocol.BlockSizeSendFileProperties)
	putLE64(block[0:8], fileSize)
	putLE32(block[8:12], uint32(len(filename)))
	putLE32(block[12:16], nspHeaderSize)
	copy(block[16:], filename)
	return block
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}

func TestHandleSendFilePropertiesZeroSizeCreatesEmptyFile(t *testing.T) {
	transport := &fakeTransport{}
	e := newEngine(t, transport)
	sess := session.New(session.ClientVersion{})

	block := sendFilePropertiesBlock(0, 0, "empty.bin")
	status, err := e.HandleSendFileProperties(context.Background(), sess, block)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	_, statErr := os.Stat(filepath.Join(e.OutputDir, "empty.bin"))
	assert.NoError(t, statErr)
}

func TestHandleSendFilePropertiesRejectsOversizedHeader(t *testing.T) {
	e := newEngine(t, &fakeTransport{})
	sess := session.New(session.ClientVersion{})

	block := sendFilePropertiesBlock(0x100, 0x200, "game.nsp")
	status, err := e.HandleSendFileProperties(context.Background(), sess, block)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMalformedCmd, status)
}

func TestHandleSendFilePropertiesRejectsPathTraversal(t *testing.T) {
	e := newEngine(t, &fakeTransport{})
	sess := session.New(session.ClientVersion{})

	block := sendFilePropertiesBlock(0, 0, "../escape.bin")
	status, err := e.HandleSendFileProperties(context.Background(), sess, block)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMalformedCmd, status)
}

func TestHandleSendFilePropertiesSingleFileRoundTrip(t *testing.T) {
	payload := []byte("hello world, this is test payload data")
	transport := &fakeTransport{reads: [][]byte{payload}}
	e := newEngine(t, transport)
	sess := session.New(session.ClientVersion{})

	block := sendFilePropertiesBlock(uint64(len(payload)), 0, "dump.bin")
	status, err := e.HandleSendFileProperties(context.Background(), sess, block)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	got, readErr := os.ReadFile(filepath.Join(e.OutputDir, "dump.bin"))
	require.NoError(t, readErr)
	assert.Equal(t, payload, got)

	require.Len(t, transport.writes, 1, "an intermediate SUCCESS status must be written before the data phase")
}

func TestHandleSendFilePropertiesNspAssembly(t *testing.T) {
	entryA := []byte("AAAABBBB")
	entryB := []byte("CCCC")
	transport := &fakeTransport{reads: [][]byte{entryA, entryB}}
	e := newEngine(t, transport)
	sess := session.New(session.ClientVersion{})

	total := uint64(16 + len(entryA) + len(entryB))
	startBlock := sendFilePropertiesBlock(total, 16, "game.nsp")
	status, err := e.HandleSendFileProperties(context.Background(), sess, startBlock)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)
	assert.True(t, sess.InNspMode())

	entryABlock := sendFilePropertiesBlock(uint64(len(entryA)), 0, "game.nsp")
	status, err = e.HandleSendFileProperties(context.Background(), sess, entryABlock)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	entryBBlock := sendFilePropertiesBlock(uint64(len(entryB)), 0, "game.nsp")
	status, err = e.HandleSendFileProperties(context.Background(), sess, entryBBlock)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	assert.Equal(t, uint64(0), sess.Nsp().Remaining)

	got, readErr := os.ReadFile(filepath.Join(e.OutputDir, "game.nsp"))
	require.NoError(t, readErr)
	assert.Equal(t, append(make([]byte, 16), append(entryA, entryB...)...), got)
}

func TestHandleSendFilePropertiesNspAggregateSentinelSkipsDataPhase(t *testing.T) {
	transport := &fakeTransport{}
	e := newEngine(t, transport)
	sess := session.New(session.ClientVersion{})

	total := uint64(0x1000)
	startBlock := sendFilePropertiesBlock(total, 0x200, "game.nsp")
	_, err := e.HandleSendFileProperties(context.Background(), sess, startBlock)
	require.NoError(t, err)

	aggregateBlock := sendFilePropertiesBlock(total, 0, "game.nsp")
	status, err := e.HandleSendFileProperties(context.Background(), sess, aggregateBlock)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)
	assert.Len(t, transport.writes, 0, "aggregate sentinel must not enter the data phase")
}

func TestHandleSendFilePropertiesEmbeddedCancelDeletesFile(t *testing.T) {
	cancelChunk := protocol.EncodeStatus(0, 0)
	putLE32(cancelChunk[4:8], protocol.CmdCancelFileTransfer)

	payload := make([]byte, 100)
	transport := &fakeTransport{reads: [][]byte{cancelChunk}}
	e := newEngine(t, transport)
	sess := session.New(session.ClientVersion{})

	block := sendFilePropertiesBlock(uint64(len(payload)), 0, "dump.bin")
	status, err := e.HandleSendFileProperties(context.Background(), sess, block)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	_, statErr := os.Stat(filepath.Join(e.OutputDir, "dump.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
