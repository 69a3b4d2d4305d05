package host

import (
	"context"
	"errors"
	"time"
)

// ErrShortTransfer is returned when a bulk transfer completes with fewer
// bytes than requested — a fatal condition per spec §4.1 (not a timeout,
// not a stop request).
var ErrShortTransfer = errors.New("host: short transfer")

// errStopped signals a stop request was observed mid-transfer; callers see
// it surfaced as an empty/false result, not an error (spec §4.1).
var errStopped = errors.New("host: stop requested")

// bulkEndpoint is the subset of *gousb.InEndpoint / *gousb.OutEndpoint this
// package depends on, so tests can substitute a fake without a physical
// device or libusb.
type bulkEndpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Device is a claimed, configured USB device from the host's perspective.
type Device struct {
	VendorID      uint16
	ProductID     uint16
	Manufacturer  string
	BCDUSBMajor   uint8
	BCDUSBMinor   uint8
	InEndpoint    uint8
	OutEndpoint   uint8
	MaxPacketSize uint16

	in    bulkEndpoint
	out   bulkEndpoint
	close func() error
}

// Close releases the underlying USB resources (interface, device handle,
// and library context).
func (d *Device) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

// PacketSize returns the bulk endpoints' max packet size, needed by callers
// applying the ZLT rule.
func (d *Device) PacketSize() uint16 {
	return d.MaxPacketSize
}

// Read performs a bulk IN transfer of exactly n bytes, retrying short
// library-level timeouts until the overall timeout (milliseconds, negative
// meaning unbounded) elapses or ctx is cancelled. On cancellation it returns
// (nil, nil) per spec §4.1 ("stop request ... returns empty/false without
// error"). A short transfer is fatal.
func (d *Device) Read(ctx context.Context, n int, timeoutMillis int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := d.transfer(ctx, timeoutMillis, func(poll []byte) (int, error) {
		return d.in.Read(poll)
	}, buf)
	if err != nil {
		if errors.Is(err, errStopped) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:got], nil
}

// Write performs a bulk OUT transfer of the entire payload, with the same
// polling/cancellation semantics as Read.
func (d *Device) Write(ctx context.Context, data []byte, timeoutMillis int) (bool, error) {
	_, err := d.transfer(ctx, timeoutMillis, func(poll []byte) (int, error) {
		return d.out.Write(poll)
	}, data)
	if err != nil {
		if errors.Is(err, errStopped) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// transfer issues repeated calls to op over short poll windows until exactly
// len(buf) bytes have been transferred, the overall deadline expires, or ctx
// is cancelled.
func (d *Device) transfer(ctx context.Context, timeoutMillis int, op func([]byte) (int, error), buf []byte) (int, error) {
	var deadline time.Time
	bounded := timeoutMillis >= 0
	if bounded {
		deadline = time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)
	}

	for {
		select {
		case <-ctx.Done():
			return 0, errStopped
		default:
		}

		n, err := op(buf)
		if err != nil {
			if isPollTimeout(err) {
				if bounded && time.Now().After(deadline) {
					return 0, err
				}
				continue
			}
			return 0, err
		}

		if n != len(buf) {
			return n, ErrShortTransfer
		}
		return n, nil
	}
}

// isPollTimeout reports whether err is the short per-poll timeout gousb
// surfaces, as opposed to a genuine transfer failure. Every endpoint this
// package opens has its Timeout field set to pollInterval (see Open), so any
// such error here just means "try again" — the caller separately tracks
// whether the overall deadline has passed.
func isPollTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
