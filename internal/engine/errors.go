package engine

import "errors"

// ErrOfflineDegraded is returned for edits made while offline on the
// in-memory fallback store; without durable storage they could be lost
var ErrOfflineDegraded = errors.New("engine: offline edits unavailable without local storage")
