// Package dispatcher implements the nxdt-host command loop: it reads a
// 16-byte header, reads its declared block if any, routes by command id to
// a handler, and writes back a 16-byte status response. It owns the single
// *session.Session for as long as the console's session is open.
package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/nxdthost/nxdt-host/obslog"
	"github.com/nxdthost/nxdt-host/protocol"
	"github.com/nxdthost/nxdt-host/receive"
	"github.com/nxdthost/nxdt-host/session"
)

// dispatcherTimeoutMillis bounds header, block, and status transfers
// (USB_TRANSFER_TIMEOUT in the wire protocol).
const dispatcherTimeoutMillis = 10000

// Transport is the subset of *host.Device the dispatcher depends on.
type Transport interface {
	Read(ctx context.Context, n int, timeoutMillis int) ([]byte, error)
	Write(ctx context.Context, data []byte, timeoutMillis int) (bool, error)
}

// Dispatcher runs the command loop for a single console connection.
type Dispatcher struct {
	Transport     Transport
	Receive       *receive.Engine
	Log           *obslog.Logger
	MaxPacketSize uint16

	session *session.Session
}

// New creates a Dispatcher ready to Run.
func New(transport Transport, recv *receive.Engine, log *obslog.Logger, maxPacketSize uint16) *Dispatcher {
	return &Dispatcher{
		Transport:     transport,
		Receive:       recv,
		Log:           log,
		MaxPacketSize: maxPacketSize,
	}
}

// Run executes the dispatch loop until the session ends, a fatal transport
// error occurs, or ctx is cancelled. A nil return means a clean exit (end of
// session, unsupported ABI, or cooperative stop); any open files have
// already been cleaned up by the handler that owned them, and an NSP file
// still held by the session is closed (but left on disk) on return.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		if d.session != nil {
			d.session.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		hdrBuf, err := d.Transport.Read(ctx, protocol.HeaderSize, dispatcherTimeoutMillis)
		if err != nil {
			d.Log.Error(obslog.ComponentDispatcher, "failed to read command header", "error", err)
			return err
		}
		if hdrBuf == nil {
			return nil
		}

		hdr, decodeErr := protocol.DecodeHeader(hdrBuf)
		d.Log.Debug(obslog.ComponentDispatcher, "command header", "cmdId", hdr.CmdID, "blockSize", hdr.CmdBlockSize)

		var block []byte
		if hdr.CmdBlockSize > 0 {
			readSize := protocol.FramedReadSize(uint64(hdr.CmdBlockSize), d.MaxPacketSize)
			raw, err := d.Transport.Read(ctx, int(readSize), dispatcherTimeoutMillis)
			if err != nil {
				d.Log.Error(obslog.ComponentDispatcher, "failed to read command block", "error", err)
				return err
			}
			if raw == nil {
				return nil
			}
			block = raw[:hdr.CmdBlockSize]
		}

		var status uint32
		if errors.Is(decodeErr, protocol.ErrMagicMismatch) {
			d.Log.Warn(obslog.ComponentDispatcher, "invalid magic word in command header")
			status = protocol.StatusInvalidMagicWord
		} else {
			status, err = d.route(ctx, hdr.CmdID, block)
			if err != nil {
				if errors.Is(err, receive.ErrStopped) {
					return nil
				}
				return err
			}
		}

		statusBuf := protocol.EncodeStatus(status, d.MaxPacketSize)
		ok, err := d.Transport.Write(ctx, statusBuf, dispatcherTimeoutMillis)
		if err != nil {
			return err
		}
		if !ok || hdr.CmdID == protocol.CmdEndSession || status == protocol.StatusUnsupportedAbiVersion {
			return nil
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, cmdID uint32, block []byte) (uint32, error) {
	switch cmdID {
	case protocol.CmdStartSession:
		return d.handleStartSession(block)
	case protocol.CmdSendFileProperties:
		return d.handleSendFileProperties(ctx, block)
	case protocol.CmdCancelFileTransfer:
		return d.handleCancelFileTransfer()
	case protocol.CmdSendNspHeader:
		return d.handleSendNspHeader(block)
	case protocol.CmdEndSession:
		return d.handleEndSession()
	case protocol.CmdStartExtractedFsDump:
		return d.handleStartExtractedFsDump(block)
	case protocol.CmdEndExtractedFsDump:
		return d.handleEndExtractedFsDump()
	default:
		d.Log.Warn(obslog.ComponentDispatcher, "unsupported command id", "cmdId", cmdID)
		return protocol.StatusUnsupportedCmd, nil
	}
}

func (d *Dispatcher) handleStartSession(block []byte) (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received StartSession command")

	v, err := session.ParseClientVersion(block)
	if err != nil {
		return protocol.StatusMalformedCmd, nil
	}

	d.Log.Info(obslog.ComponentSession, "client version",
		"major", v.Major, "minor", v.Minor, "micro", v.Micro,
		"abiMajor", v.ABIMajor, "abiMinor", v.ABIMinor, "commit", v.GitCommit)

	if !v.SupportsABI() {
		d.Log.Warn(obslog.ComponentSession, "unsupported ABI version")
		return protocol.StatusUnsupportedAbiVersion, nil
	}

	d.session = session.New(v)
	return protocol.StatusSuccess, nil
}

func (d *Dispatcher) handleSendFileProperties(ctx context.Context, block []byte) (uint32, error) {
	if d.session == nil {
		return protocol.StatusMalformedCmd, nil
	}
	return d.Receive.HandleSendFileProperties(ctx, d.session, block)
}

func (d *Dispatcher) handleCancelFileTransfer() (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received CancelFileTransfer command")

	if d.session == nil || !d.session.InNspMode() {
		d.Log.Warn(obslog.ComponentSession, "unexpected transfer cancellation")
		return protocol.StatusMalformedCmd, nil
	}

	if err := d.session.AbortNsp(); err != nil {
		return protocol.StatusHostIOError, nil
	}
	d.Log.Info(obslog.ComponentSession, "transfer cancelled")
	return protocol.StatusSuccess, nil
}

func (d *Dispatcher) handleSendNspHeader(block []byte) (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received SendNspHeader command")

	if d.session == nil || !d.session.InNspMode() {
		return protocol.StatusMalformedCmd, nil
	}
	nsp := d.session.Nsp()
	if nsp.Remaining != 0 || uint32(len(block)) != nsp.Reserve {
		d.Log.Warn(obslog.ComponentSession, "NSP header precondition violated")
		return protocol.StatusMalformedCmd, nil
	}

	if _, err := nsp.File.Seek(0, 0); err != nil {
		return protocol.StatusHostIOError, nil
	}
	if _, err := nsp.File.Write(block); err != nil {
		return protocol.StatusHostIOError, nil
	}
	if err := d.session.FinishNsp(); err != nil {
		return protocol.StatusHostIOError, nil
	}

	d.Log.Info(obslog.ComponentSession, "wrote NSP header", "size", len(block))
	return protocol.StatusSuccess, nil
}

func (d *Dispatcher) handleEndSession() (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received EndSession command")
	if d.session != nil {
		d.session.Close()
	}
	return protocol.StatusSuccess, nil
}

func (d *Dispatcher) handleStartExtractedFsDump(block []byte) (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received StartExtractedFsDump command")

	if d.session != nil && d.session.InNspMode() {
		d.Log.Warn(obslog.ComponentSession, "StartExtractedFsDump received during NSP transfer")
		return protocol.StatusMalformedCmd, nil
	}

	if len(block) >= 8 {
		fsSize := leInt64(block[0:8])
		rootPath := strings.TrimRight(string(block[8:]), "\x00")
		d.Log.Info(obslog.ComponentSession, "extracted filesystem dump starting", "size", fsSize, "root", rootPath)
	}
	return protocol.StatusSuccess, nil
}

func (d *Dispatcher) handleEndExtractedFsDump() (uint32, error) {
	d.Log.Info(obslog.ComponentSession, "received EndExtractedFsDump command")
	return protocol.StatusSuccess, nil
}

func leInt64(b []byte) int64 {
	return int64(uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56)
}
