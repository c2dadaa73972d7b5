package streamingest

import (
	"errors"

	"github.com/e7canasta/stream-ingest/internal/decode"
)

var (
	// ErrSourceExists is returned by Registry.Add when the source id is
	// already registered.
	ErrSourceExists = errors.New("stream-ingest: source already registered")

	// ErrSourceNotFound is returned for operations on an unknown source id.
	ErrSourceNotFound = errors.New("stream-ingest: source not found")

	// ErrListenerExists is returned when a listener id is already registered.
	ErrListenerExists = errors.New("stream-ingest: listener already registered")

	// ErrListenerNotFound is returned when removing an unknown listener id.
	ErrListenerNotFound = errors.New("stream-ingest: listener not found")

	// ErrCallbackExists is returned when a callback id is already registered.
	ErrCallbackExists = errors.New("stream-ingest: callback already registered")

	// ErrCallbackNotFound is returned when removing an unknown callback id.
	ErrCallbackNotFound = errors.New("stream-ingest: callback not found")

	// ErrEndOfStream marks a cleanly exhausted media source. For local
	// files it is terminal: the connection stops instead of reconnecting.
	ErrEndOfStream = decode.ErrEndOfStream
)

// errStalled recycles a live connection that stopped producing frames.
// Stalls are a retry cause, not an API error: they surface only through
// logs and metrics.
var errStalled = errors.New("stream-ingest: no frames received within stall timeout")

// errTransportSwitched recycles a connection after the in-worker
// transport toggle. It does not count as a failure.
var errTransportSwitched = errors.New("stream-ingest: transport switched")
