// Package diskspace answers one question: does the filesystem backing a
// given path have enough free space for an incoming file. The check is
// advisory and racey by nature (another writer can consume the space
// between the check and the write) — callers that don't care, or that run
// on a platform without a supported check, may treat ErrUnknown as "skip".
package diskspace

import "errors"

// ErrUnknown is returned by Available on platforms with no supported
// free-space query. Callers should treat it as "cannot verify", not as a
// failure.
var ErrUnknown = errors.New("diskspace: free space unavailable on this platform")
