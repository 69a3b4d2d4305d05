// Package receive implements the nxdt-host file reception engine: the
// SendFileProperties handler's validation, file-handle resolution, and
// chunked transfer loop, including NSP multi-part assembly, embedded
// in-band cancellation, and progress reporting.
package receive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/nxdthost/nxdt-host/diskspace"
	"github.com/nxdthost/nxdt-host/events"
	"github.com/nxdthost/nxdt-host/obslog"
	"github.com/nxdthost/nxdt-host/protocol"
	"github.com/nxdthost/nxdt-host/session"
)

// transferTimeoutMillis bounds every individual bulk read issued while
// receiving file data (USB_TRANSFER_TIMEOUT in the wire protocol).
const transferTimeoutMillis = 10000

// ErrStopped is returned by HandleSendFileProperties when the worker's stop
// flag interrupted the data phase. The dispatcher should exit its loop
// without attempting to write a final status.
var ErrStopped = errors.New("receive: stopped mid-transfer")

// Transport is the subset of *host.Device the engine depends on, so tests
// can run against a fake without a physical console.
type Transport interface {
	Read(ctx context.Context, n int, timeoutMillis int) ([]byte, error)
	Write(ctx context.Context, data []byte, timeoutMillis int) (bool, error)
}

// Engine owns everything SendFileProperties needs beyond the session state
// it mutates: the transport to read payload from, where to write files, and
// where to report progress and log lines.
type Engine struct {
	Transport             Transport
	Log                   *obslog.Logger
	Stream                *events.Stream
	OutputDir             string
	MaxPacketSize         uint16
	DisableFreeSpaceCheck bool
}

// fileProperties is the parsed SendFileProperties block.
type fileProperties struct {
	FileSize      uint64
	Filename      string
	NspHeaderSize uint32
}

func parseFileProperties(block []byte) (fileProperties, error) {
	if len(block) < 16 {
		return fileProperties{}, protocol.ErrShortBuffer
	}
	fileSize := leUint64(block[0:8])
	filenameLength := leUint32(block[8:12])
	nspHeaderSize := leUint32(block[12:16])

	end := 16 + int(filenameLength)
	if filenameLength > protocol.MaxFilenameLength || end > len(block) {
		return fileProperties{}, protocol.ErrShortBuffer
	}

	return fileProperties{
		FileSize:      fileSize,
		Filename:      string(block[16:end]),
		NspHeaderSize: nspHeaderSize,
	}, nil
}

// sanitizeFilename rejects path traversal and absolute paths. This resolves
// spec's open question on filename sanitization conservatively: anything
// else (deep nesting, unicode names) passes through untouched.
func sanitizeFilename(name string) error {
	if filepath.IsAbs(name) {
		return errors.New("receive: absolute filename rejected")
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return errors.New("receive: path traversal in filename rejected")
		}
	}
	return nil
}

// HandleSendFileProperties implements spec §4.5. It mutates sess's NSP
// state and returns the status the dispatcher should write. On a chunked
// data phase it also writes an intermediate SUCCESS status itself, per the
// protocol's requirement that the console see readiness acknowledged before
// it starts streaming payload.
func (e *Engine) HandleSendFileProperties(ctx context.Context, sess *session.Session, block []byte) (uint32, error) {
	e.Log.Info(obslog.ComponentReceive, "received SendFileProperties command")

	props, err := parseFileProperties(block)
	if err != nil {
		return protocol.StatusMalformedCmd, nil
	}

	if err := sanitizeFilename(props.Filename); err != nil {
		e.Log.Warn(obslog.ComponentReceive, "rejected filename", "filename", props.Filename, "error", err)
		return protocol.StatusMalformedCmd, nil
	}

	e.Log.Info(obslog.ComponentReceive, "file properties", "filename", props.Filename, "fileSize", props.FileSize)

	if !sess.InNspMode() && props.FileSize > 0 && uint64(props.NspHeaderSize) >= props.FileSize {
		e.Log.Warn(obslog.ComponentReceive, "NSP header size must be smaller than full NSP size")
		return protocol.StatusMalformedCmd, nil
	}
	if sess.InNspMode() && props.NspHeaderSize != 0 {
		e.Log.Warn(obslog.ComponentReceive, "received non-zero NSP header size during NSP transfer")
		return protocol.StatusMalformedCmd, nil
	}

	enteringNsp := !sess.InNspMode() && props.FileSize > 0 && props.NspHeaderSize > 0

	var file *os.File
	var fullPath string
	var nspAggregate bool

	if !sess.InNspMode() || enteringNsp {
		fullPath = filepath.Join(e.OutputDir, props.Filename)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return protocol.StatusHostIOError, nil
		}
		if info, statErr := os.Stat(fullPath); statErr == nil && info.IsDir() {
			return protocol.StatusHostIOError, nil
		}

		if !e.DisableFreeSpaceCheck {
			free, spaceErr := diskspace.Available(filepath.Dir(fullPath))
			if spaceErr == nil && free < props.FileSize {
				e.Log.Warn(obslog.ComponentReceive, "insufficient free space", "needed", props.FileSize, "free", free)
				return protocol.StatusHostIOError, nil
			}
		}

		var openErr error
		file, openErr = os.Create(fullPath)
		if openErr != nil {
			return protocol.StatusHostIOError, nil
		}

		if enteringNsp {
			padding := make([]byte, props.NspHeaderSize)
			if _, err := file.Write(padding); err != nil {
				file.Close()
				os.Remove(fullPath)
				return protocol.StatusHostIOError, nil
			}
			if err := sess.StartNsp(file, fullPath, props.FileSize, props.NspHeaderSize); err != nil {
				file.Close()
				os.Remove(fullPath)
				return protocol.StatusHostIOError, nil
			}
			e.Log.Info(obslog.ComponentReceive, "NSP transfer mode enabled", "total", props.FileSize, "reserve", props.NspHeaderSize)
			nspAggregate = props.FileSize == sess.Nsp().Total
		}
	} else {
		file = sess.Nsp().File
		fullPath = sess.Nsp().Path
		nspAggregate = props.FileSize == sess.Nsp().Total
	}

	if props.FileSize == 0 || (sess.InNspMode() && nspAggregate) {
		if !sess.InNspMode() {
			file.Close()
		}
		return protocol.StatusSuccess, nil
	}

	statusBuf := protocol.EncodeStatus(protocol.StatusSuccess, e.MaxPacketSize)
	if ok, err := e.Transport.Write(ctx, statusBuf, transferTimeoutMillis); err != nil || !ok {
		return protocol.StatusHostIOError, err
	}

	fileType := "file"
	if sess.InNspMode() {
		fileType = "NSP entry"
	}
	e.Log.Info(obslog.ComponentReceive, "receiving "+fileType, "filename", props.Filename)

	total := props.FileSize
	if sess.InNspMode() {
		total = sess.Nsp().Total
	}
	useProgress := total > protocol.USBTransferThreshold
	if useProgress {
		e.Stream.ProgressStart(int64(total), props.Filename)
	}

	status, err := e.receiveChunks(ctx, sess, file, fullPath, props.Filename, props.FileSize, useProgress)
	return status, err
}

// receiveChunks implements the chunked transfer loop shared by single-file
// and NSP-entry transfers.
func (e *Engine) receiveChunks(ctx context.Context, sess *session.Session, file *os.File, fullPath, filename string, fileSize uint64, useProgress bool) (uint32, error) {
	var offset uint64

	cleanup := func() {
		if sess.InNspMode() {
			sess.AbortNsp()
		} else {
			file.Close()
			os.Remove(fullPath)
		}
		if useProgress {
			e.Stream.ProgressEnd()
		}
	}

	for offset < fileSize {
		remaining := fileSize - offset
		blockSize := uint64(protocol.USBTransferBlockSize)
		if blockSize > remaining {
			blockSize = remaining
		}

		isFinalChunk := offset+blockSize >= fileSize
		readSize := blockSize
		if isFinalChunk {
			readSize = protocol.FramedReadSize(blockSize, e.MaxPacketSize)
		}

		chunk, err := e.Transport.Read(ctx, int(readSize), transferTimeoutMillis)
		if err != nil {
			e.Log.Error(obslog.ComponentReceive, "failed to read data chunk", "error", err)
			cleanup()
			return protocol.StatusHostIOError, err
		}
		if len(chunk) == 0 {
			if ctx.Err() != nil {
				// User-requested stop: the blocking read returned promptly
				// with no data. A partial single-file transfer is still
				// removed, but a partial NSP is left in place in case the
				// user resumes manually.
				if sess.InNspMode() {
					sess.Close()
				} else {
					file.Close()
					os.Remove(fullPath)
				}
				if useProgress {
					e.Stream.ProgressEnd()
				}
				return 0, ErrStopped
			}
			e.Log.Error(obslog.ComponentReceive, "failed to read data chunk")
			cleanup()
			return protocol.StatusHostIOError, nil
		}

		if isEmbeddedCancel(chunk) {
			cleanup()
			e.Log.Info(obslog.ComponentReceive, "transfer cancelled by console")
			return protocol.StatusSuccess, nil
		}

		// Drop the trailing ZLT sentinel byte of a packet-aligned final chunk.
		if uint64(len(chunk)) > blockSize {
			chunk = chunk[:blockSize]
		}

		if _, err := file.Write(chunk); err != nil {
			e.Log.Error(obslog.ComponentReceive, "failed to write data chunk", "error", err)
			cleanup()
			return protocol.StatusHostIOError, err
		}
		if err := file.Sync(); err != nil {
			e.Log.Error(obslog.ComponentReceive, "failed to flush data chunk", "error", err)
			cleanup()
			return protocol.StatusHostIOError, err
		}

		offset += uint64(len(chunk))
		if sess.InNspMode() {
			sess.AdvanceNsp(uint64(len(chunk)))
		}
		if useProgress {
			e.Stream.ProgressUpdate(int64(offset), int64(fileSize), filename)
		}
	}

	e.Log.Info(obslog.ComponentReceive, "file transfer completed successfully")

	if !sess.InNspMode() {
		file.Close()
	}
	if useProgress && (!sess.InNspMode() || sess.Nsp().Remaining == 0) {
		e.Stream.ProgressEnd()
	}
	return protocol.StatusSuccess, nil
}

// isEmbeddedCancel reports whether chunk is, byte for byte, a
// CancelFileTransfer command header arriving in place of payload data.
func isEmbeddedCancel(chunk []byte) bool {
	if len(chunk) != protocol.HeaderSize {
		return false
	}
	if !bytes.Equal(chunk[0:4], protocol.Magic[:]) {
		return false
	}
	return leUint32(chunk[4:8]) == protocol.CmdCancelFileTransfer
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
