package replication

import (
	"errors"
	"io"
	"sync"

	"feedmesh/pkg/feed"
	"feedmesh/pkg/types"
)

// ActiveStream is an agreed replication stream of one log towards the peer.
type ActiveStream struct {
	Tag       string         `json:"tag"`
	LogID     types.LogID    `json:"log"`
	Direction feed.Direction `json:"direction"`
}

type StreamEventKind int

const (
	StreamOpened StreamEventKind = iota + 1
	StreamDeclined
	StreamClosed
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamOpened:
		return "opened"
	case StreamDeclined:
		return "declined"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamEvent reports a stream lifecycle change. Err is set when a stream
// closed because of a failure rather than a stop or a disconnect.
type StreamEvent struct {
	Kind   StreamEventKind
	Stream ActiveStream
	Err    error
}

// stream owns the two ends the negotiator pipes together: the transport
// sub-channel and the log's replication channel.
type stream struct {
	ActiveStream

	sub  io.ReadWriteCloser
	repl io.ReadWriteCloser
	once sync.Once
}

func (s *stream) close() {
	s.once.Do(func() {
		_ = s.sub.Close()
		_ = s.repl.Close()
	})
}

// pipe copies both ways until either side ends, then closes both. Ordinary
// disconnects are not reported.
func (s *stream) pipe() error {
	errs := make(chan error, 2)
	cp := func(dst io.Writer, src io.Reader) {
		_, err := io.Copy(dst, src)
		s.close()
		errs <- err
	}
	go cp(s.sub, s.repl)
	go cp(s.repl, s.sub)

	var out []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && !feed.IsClosedErr(err) {
			out = append(out, err)
		}
	}
	return errors.Join(out...)
}
