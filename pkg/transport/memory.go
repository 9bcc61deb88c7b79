package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/types"
)

// ErrConnectionClosed is the reason reported after a plain Close.
var ErrConnectionClosed = errors.New("connection closed")

// link is the state shared by both ends of an in-memory connection.
type link struct {
	mu      sync.Mutex
	pending map[string]pendingHalf
	conns   map[net.Conn]struct{}

	done   chan struct{}
	err    error
	closed bool
}

type pendingHalf struct {
	side int
	conn net.Conn
}

// Memory is one end of an in-process connection. It is used by tests and by
// the demo node, where both peers live in the same process.
type Memory struct {
	link   *link
	side   int
	local  types.PeerID
	remote types.PeerID
	peer   *Memory

	mu       sync.RWMutex
	handlers map[string]Handler
	callHook func(proc string, req any) error
}

// NewPair returns two connected transports, one per peer.
func NewPair(a, b types.PeerID) (*Memory, *Memory) {
	l := &link{
		pending: make(map[string]pendingHalf),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	ma := &Memory{link: l, side: 0, local: a, remote: b, handlers: make(map[string]Handler)}
	mb := &Memory{link: l, side: 1, local: b, remote: a, handlers: make(map[string]Handler)}
	ma.peer, mb.peer = mb, ma
	return ma, mb
}

func (m *Memory) LocalID() types.PeerID  { return m.local }
func (m *Memory) RemoteID() types.PeerID { return m.remote }

func (m *Memory) OpenSubChannel(ctx context.Context, tag string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := m.link
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, dberrors.ErrClosed
	}
	if p, ok := l.pending[tag]; ok {
		if p.side == m.side {
			return nil, fmt.Errorf("sub-channel %q already open: %w", tag, dberrors.ErrInvalidArgument)
		}
		delete(l.pending, tag)
		return &subChannel{Conn: p.conn, link: l, tag: tag}, nil
	}

	ours, theirs := net.Pipe()
	l.pending[tag] = pendingHalf{side: m.side, conn: theirs}
	l.conns[ours] = struct{}{}
	l.conns[theirs] = struct{}{}
	return &subChannel{Conn: ours, link: l, tag: tag}, nil
}

type subChannel struct {
	net.Conn
	link *link
	tag  string
	once sync.Once
}

// Close releases the local end. A half the peer never claimed is dropped too.
func (s *subChannel) Close() error {
	s.once.Do(func() {
		l := s.link
		l.mu.Lock()
		if p, ok := l.pending[s.tag]; ok {
			delete(l.pending, s.tag)
			delete(l.conns, p.conn)
			_ = p.conn.Close()
		}
		delete(l.conns, s.Conn)
		l.mu.Unlock()
	})
	return s.Conn.Close()
}

func (m *Memory) Expose(proc string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[proc] = h
}

// FailCalls installs a hook consulted before every outgoing call; a non-nil
// result fails the call without reaching the peer.
func (m *Memory) FailCalls(hook func(proc string, req any) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callHook = hook
}

func (m *Memory) Call(ctx context.Context, proc string, req, resp any) error {
	select {
	case <-m.link.done:
		return fmt.Errorf("call %s: %w", proc, dberrors.ErrClosed)
	default:
	}

	m.mu.RLock()
	hook := m.callHook
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(proc, req); err != nil {
			return fmt.Errorf("call %s: %w", proc, err)
		}
	}

	m.peer.mu.RLock()
	h, ok := m.peer.handlers[proc]
	m.peer.mu.RUnlock()
	if !ok {
		return fmt.Errorf("call %s: %w", proc, dberrors.ErrUnknownProcedure)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", proc, err)
	}

	type result struct {
		body []byte
		err  error
	}
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan result, 1)
	go func() {
		v, err := h(hctx, body)
		if err != nil {
			out <- result{err: &RemoteError{Proc: proc, Message: err.Error()}}
			return
		}
		b, err := json.Marshal(v)
		out <- result{body: b, err: err}
	}()

	select {
	case r := <-out:
		if r.err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("call %s: %w", proc, ctx.Err())
			}
			return r.err
		}
		if resp == nil {
			return nil
		}
		if err := json.Unmarshal(r.body, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", proc, err)
		}
		return nil
	case <-m.link.done:
		return fmt.Errorf("call %s: %w", proc, dberrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("call %s: %w", proc, ctx.Err())
	}
}

func (m *Memory) Done() <-chan struct{} { return m.link.done }

func (m *Memory) Err() error {
	m.link.mu.Lock()
	defer m.link.mu.Unlock()
	return m.link.err
}

func (m *Memory) Close() error {
	return m.CloseWithError(ErrConnectionClosed)
}

// CloseWithError tears the connection down for both peers, closing every
// sub-channel, and records reason.
func (m *Memory) CloseWithError(reason error) error {
	l := m.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.err = reason
	for c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
	l.pending = nil
	close(l.done)
	return nil
}
