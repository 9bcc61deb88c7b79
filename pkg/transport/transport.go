// Package transport describes the connection a negotiator runs over: one
// control channel for remote procedure calls plus any number of named
// sub-channels multiplexed on the same peer connection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"feedmesh/pkg/types"
)

// Handler serves one exposed procedure. The returned value is sent back to
// the caller as the response.
type Handler func(ctx context.Context, req json.RawMessage) (any, error)

type Transport interface {
	LocalID() types.PeerID
	RemoteID() types.PeerID

	// OpenSubChannel returns the local end of the sub-channel named tag.
	// Both peers open the same tag to get connected ends.
	OpenSubChannel(ctx context.Context, tag string) (io.ReadWriteCloser, error)

	// Call invokes proc on the remote peer and decodes its response into resp
	// (which may be nil).
	Call(ctx context.Context, proc string, req, resp any) error
	Expose(proc string, h Handler)

	// Done is closed once the connection is gone; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// RemoteError is a failure reported by the remote handler.
type RemoteError struct {
	Proc    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Proc, e.Message)
}
