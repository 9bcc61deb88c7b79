package types

import "fmt"

// LogID identifies one append-only log (feed). It is stable across peers.
type LogID string

// Seq is a 0-based position inside a log. Positions are never reused.
type Seq uint64

// PeerID identifies a peer on a connection.
type PeerID string

// Entry is one block read from a log.
type Entry struct {
	LogID   LogID
	Seq     Seq
	Payload []byte
}

func (e Entry) String() string {
	return fmt.Sprintf("%s@%d", e.LogID, e.Seq)
}
