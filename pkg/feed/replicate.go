package feed

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"feedmesh/pkg/types"
)

// Replication frames:
//
//	have: 0x01 | uvarint length          "send me everything from length on"
//	data: 0x02 | uvarint seq | uvarint n | n bytes
//
// A downloading end announces its length once; an uploading end answers every
// have by streaming blocks from that offset, following the feed live.
const (
	msgHave byte = 0x01
	msgData byte = 0x02

	maxBlockSize = 16 << 20
)

var errProtocol = errors.New("replication protocol error")

// OpenReplicationChannel starts a replication session for dir and hands back
// the byte stream the peer's session must be connected to.
func (f *Feed) OpenReplicationChannel(dir Direction) (io.ReadWriteCloser, error) {
	local, remote := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		feed:   f,
		dir:    dir,
		conn:   local,
		cancel: cancel,
		log:    f.log.With("upload", dir.Upload, "download", dir.Download),
	}
	go s.run(ctx)
	return remote, nil
}

type session struct {
	feed   *Feed
	dir    Direction
	conn   net.Conn
	cancel context.CancelFunc
	log    *slog.Logger

	wmu sync.Mutex
	wg  sync.WaitGroup
}

func (s *session) run(ctx context.Context) {
	defer func() {
		s.cancel()
		_ = s.conn.Close()
		s.wg.Wait()
	}()

	if s.dir.Download {
		if err := s.writeHave(s.feed.Len()); err != nil {
			s.finish(err)
			return
		}
	}

	var stopUpload context.CancelFunc = func() {}
	defer func() { stopUpload() }()

	r := bufio.NewReader(s.conn)
	for {
		typ, err := r.ReadByte()
		if err != nil {
			s.finish(err)
			return
		}

		switch typ {
		case msgHave:
			from, err := binary.ReadUvarint(r)
			if err != nil {
				s.finish(err)
				return
			}
			if !s.dir.Upload {
				continue
			}
			stopUpload()
			var uctx context.Context
			uctx, stopUpload = context.WithCancel(ctx)
			s.wg.Add(1)
			go s.upload(uctx, from)

		case msgData:
			seq, payload, err := readData(r)
			if err != nil {
				s.finish(err)
				return
			}
			if !s.dir.Download {
				continue
			}
			if _, err := s.feed.appendAt(ctx, types.Seq(seq), payload); err != nil {
				s.finish(err)
				return
			}

		default:
			s.finish(fmt.Errorf("%w: unknown frame 0x%02x", errProtocol, typ))
			return
		}
	}
}

func (s *session) upload(ctx context.Context, from uint64) {
	defer s.wg.Done()
	cur := s.feed.ReadFrom(from, true)
	defer cur.Close()

	for {
		e, err := cur.Next(ctx)
		if err != nil {
			return
		}
		if err := s.writeData(e); err != nil {
			s.cancel()
			return
		}
	}
}

func (s *session) finish(err error) {
	if IsClosedErr(err) {
		s.log.Debug("replication session ended")
		return
	}
	s.log.Warn("replication session failed", "error", err)
}

func (s *session) writeHave(length uint64) error {
	buf := binary.AppendUvarint([]byte{msgHave}, length)
	return s.write(buf)
}

func (s *session) writeData(e types.Entry) error {
	buf := binary.AppendUvarint([]byte{msgData}, uint64(e.Seq))
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return s.write(buf)
}

func (s *session) write(buf []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

func readData(r *bufio.Reader) (uint64, []byte, error) {
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	if n > maxBlockSize {
		return 0, nil, fmt.Errorf("%w: block of %d bytes", errProtocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return seq, payload, nil
}

// IsClosedErr reports whether err is the ordinary end of a byte stream rather
// than a failure.
func IsClosedErr(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
