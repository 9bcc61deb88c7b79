// Package feed defines the log handle consumed by the reader and the
// negotiator, and ships an in-memory implementation with optional journaling.
package feed

import (
	"context"
	"io"

	"feedmesh/pkg/types"
)

// Direction says which way blocks flow on a replication channel, seen from
// the local end.
type Direction struct {
	Upload   bool `json:"upload"`
	Download bool `json:"download"`
}

// Cursor is a lazy, restartable sequence of blocks. Next returns io.EOF at the
// end of a non-live cursor; a live cursor waits for new blocks instead.
type Cursor interface {
	Next(ctx context.Context) (types.Entry, error)
	Close() error
}

// Handle is one append-only log.
type Handle interface {
	ID() types.LogID
	Len() uint64
	Append(ctx context.Context, payload []byte) (types.Seq, error)
	ReadFrom(offset uint64, live bool) Cursor
	// OpenReplicationChannel returns the local end of the block replication
	// sub-protocol as an opaque duplex byte stream. Closing it ends the
	// session.
	OpenReplicationChannel(dir Direction) (io.ReadWriteCloser, error)
}
