// Package session tracks the per-connection state a console negotiates over
// the nxdt-host wire protocol: the client's announced version, and the
// at-most-one multi-part NSP transfer in flight. Every transition is driven
// by the dispatcher's handlers; session itself never touches USB or the
// filesystem beyond the single *os.File it holds open on behalf of an NSP
// transfer.
package session

import (
	"errors"
	"os"
)

// ErrNoActiveNsp is returned by operations that only make sense while an NSP
// transfer is in flight.
var ErrNoActiveNsp = errors.New("session: no NSP transfer in progress")

// ErrNspAlreadyActive is returned by StartNsp when one is already open.
var ErrNspAlreadyActive = errors.New("session: NSP transfer already in progress")

// ClientVersion is the console's self-reported build, parsed from the first
// bytes of a StartSession block.
type ClientVersion struct {
	Major, Minor, Micro uint8
	ABIMajor, ABIMinor  uint8
	GitCommit           string
}

// Session is the state created by a successful StartSession and torn down at
// EndSession, ABI rejection, or a fatal transport error.
type Session struct {
	Client ClientVersion

	// nsp is nil whenever no multi-part transfer is in flight. Only the
	// dispatcher's SendFileProperties/SendNspHeader/CancelFileTransfer
	// handlers mutate it, and always through the methods below.
	nsp *NspTransfer
}

// NspTransfer is the session's view of a multi-part NSP assembly: a single
// open file, the total declared size, the size of the reserved header
// prefix, and how many payload bytes remain to be received.
type NspTransfer struct {
	File      *os.File
	Path      string
	Total     uint64
	Reserve   uint32
	Remaining uint64
}

// New returns a fresh Session for the given negotiated client version.
func New(client ClientVersion) *Session {
	return &Session{Client: client}
}

// InNspMode reports whether an NSP transfer is currently in flight.
func (s *Session) InNspMode() bool {
	return s.nsp != nil
}

// Nsp returns the active NSP transfer, or nil if none is in flight.
func (s *Session) Nsp() *NspTransfer {
	return s.nsp
}

// StartNsp records a newly opened NSP transfer. It is an error to call this
// while one is already active; callers must check InNspMode first.
func (s *Session) StartNsp(file *os.File, path string, total uint64, reserve uint32) error {
	if s.nsp != nil {
		return ErrNspAlreadyActive
	}
	s.nsp = &NspTransfer{
		File:      file,
		Path:      path,
		Total:     total,
		Reserve:   reserve,
		Remaining: total - uint64(reserve),
	}
	return nil
}

// AdvanceNsp subtracts n from the remaining payload size; the reception
// loop calls it for every chunk of entry payload written to the NSP file.
func (s *Session) AdvanceNsp(n uint64) error {
	if s.nsp == nil {
		return ErrNoActiveNsp
	}
	s.nsp.Remaining -= n
	return nil
}

// FinishNsp closes the NSP file having written the completed header, and
// clears NSP state. It does not remove the file.
func (s *Session) FinishNsp() error {
	if s.nsp == nil {
		return ErrNoActiveNsp
	}
	err := s.nsp.File.Close()
	s.nsp = nil
	return err
}

// AbortNsp closes and deletes the NSP file (in-band cancel, or a transport
// failure mid-entry), then clears NSP state.
func (s *Session) AbortNsp() error {
	if s.nsp == nil {
		return ErrNoActiveNsp
	}
	path := s.nsp.Path
	closeErr := s.nsp.File.Close()
	s.nsp = nil
	if path == "" {
		return closeErr
	}
	if err := os.Remove(path); err != nil && closeErr == nil {
		return err
	}
	return closeErr
}

// Close releases any open NSP file without deleting it, for use on
// user-requested stop (spec: an in-progress NSP is left in place so the user
// may resume manually).
func (s *Session) Close() error {
	if s.nsp == nil {
		return nil
	}
	err := s.nsp.File.Close()
	s.nsp = nil
	return err
}
