// Package worker owns the full lifecycle of a single console connection:
// discovering the device, running the dispatcher loop to completion, and
// reporting everything through an events.Stream. It is the one place that
// holds the cross-thread stop flag spec's concurrency model calls for.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nxdthost/nxdt-host/dispatcher"
	"github.com/nxdthost/nxdt-host/events"
	"github.com/nxdthost/nxdt-host/host"
	"github.com/nxdthost/nxdt-host/obslog"
	"github.com/nxdthost/nxdt-host/receive"
)

// ErrAlreadyRunning is returned by Start when the worker is already active.
var ErrAlreadyRunning = errors.New("worker: already running")

// Options configures a Worker.
type Options struct {
	OutputDir             string
	DisableFreeSpaceCheck bool
}

// Worker runs the enumerate-then-dispatch loop on its own goroutine and
// emits a terminal ServerStoppedEvent on every exit path.
type Worker struct {
	opts   Options
	stream *events.Stream
	log    *obslog.Logger

	// open discovers and claims a console; it is host.Open by default and
	// overridden in tests so they don't need libusb or a physical device.
	open func(ctx context.Context, log *obslog.Logger) (device, error)

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// device is the subset of *host.Device the worker depends on, so tests can
// substitute a fake.
type device interface {
	dispatcher.Transport
	Close() error
	PacketSize() uint16
}

// New creates a Worker with a fresh event stream.
func New(opts Options) *Worker {
	stream := events.NewStream(256)
	return &Worker{
		opts:   opts,
		stream: stream,
		log:    obslog.New(stream),
		open: func(ctx context.Context, log *obslog.Logger) (device, error) {
			return host.Open(ctx, log)
		},
	}
}

// Events returns the worker's event stream for a presentation layer to
// drain.
func (w *Worker) Events() <-chan events.Event {
	return w.stream.Events()
}

// Start begins waiting for a console and, once one connects, runs the
// dispatcher loop until the session ends or Stop is called. It returns
// immediately; the work runs on its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mutex.Lock()
	if w.running {
		w.mutex.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.done = make(chan struct{})
	w.mutex.Unlock()

	go w.run(runCtx)
	return nil
}

// Stop requests cooperative shutdown and blocks until the worker goroutine
// has exited.
func (w *Worker) Stop() {
	w.mutex.Lock()
	if !w.running {
		w.mutex.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mutex.Unlock()

	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mutex.Lock()
		w.running = false
		w.mutex.Unlock()
		w.stream.ServerStopped()
		close(w.done)
	}()

	dev, err := w.open(ctx, w.log)
	if err != nil {
		w.log.Error(obslog.ComponentWorker, "failed to open device", "error", err)
		return
	}
	if dev == nil {
		return
	}
	defer dev.Close()

	recv := &receive.Engine{
		Transport:             dev,
		Log:                   w.log,
		Stream:                w.stream,
		OutputDir:             w.opts.OutputDir,
		MaxPacketSize:         dev.PacketSize(),
		DisableFreeSpaceCheck: w.opts.DisableFreeSpaceCheck,
	}
	disp := dispatcher.New(dev, recv, w.log, dev.PacketSize())

	if err := disp.Run(ctx); err != nil {
		w.log.Error(obslog.ComponentWorker, "session terminated with error", "error", err)
	}
}
