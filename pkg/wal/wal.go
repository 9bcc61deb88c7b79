package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/listener"
	"feedmesh/pkg/types"
)

// maxChunkSize bounds a single id or payload in a record.
const maxChunkSize = 16 << 20

var errCorrupt = errors.New("corrupt WAL record")

// Record is one block appended to a feed.
type Record struct {
	LogID   types.LogID
	Seq     types.Seq
	Payload []byte
}

type appendReq struct {
	rec  Record
	done chan error
}

// WAL is the append-only journal behind a feed store. Writes are funnelled
// through a single listener goroutine; Append returns once the record is
// flushed and synced.
type WAL struct {
	*listener.Listener[appendReq]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan appendReq
	closed  chan struct{}
	once    sync.Once
}

// New opens (or creates) dir/feeds.log and starts the writer.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir: %w", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "feeds.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		inputCh:  make(chan appendReq, 16),
		closed:   make(chan struct{}),
	}
	w.Listener = listener.New(w.inputCh, w.writeFile)
	w.Listener.Start(context.Background())

	return w, nil
}

// Append journals rec and waits for it to be durable.
func (w *WAL) Append(ctx context.Context, rec Record) error {
	req := appendReq{rec: rec, done: make(chan error, 1)}
	select {
	case w.inputCh <- req:
	case <-w.closed:
		return dberrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-w.closed:
		return dberrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WAL) writeFile(_ context.Context, req appendReq) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.writeRecord(req.rec)
	if err == nil {
		err = w.writer.Flush()
	}
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		err = fmt.Errorf("failed to write WAL record: %w", err)
	}
	req.done <- err
	return err
}

// Replay calls fn for every journaled record in append order.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	cr := &countingReader{r: bufio.NewReader(file)}
	var off int64
	for {
		rec, err := readRecord(cr)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// torn tail from a crash mid-write; later appends must not land behind it
				slog.Warn("WAL ends with a partial record, truncating it",
					"path", w.filePath, "offset", off, "dropped", cr.n-off)
				return w.truncate(off)
			}
			return fmt.Errorf("failed to read WAL record at offset %d: %w", off, err)
		}
		off = cr.n
		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

func (w *WAL) truncate(off int64) error {
	if err := w.file.Truncate(off); err != nil {
		return fmt.Errorf("failed to truncate WAL tail: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL after truncate: %w", err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Close stops the writer and closes the file.
func (w *WAL) Close() error {
	w.once.Do(func() { close(w.closed) })
	w.Listener.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// writeRecord layout: seq u64 | id len u32 | id | payload len u32 | payload.
func (w *WAL) writeRecord(rec Record) error {
	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if len(rec.LogID) > maxChunkSize || len(rec.Payload) > maxChunkSize {
		return fmt.Errorf("record too large: %w", dberrors.ErrInvalidArgument)
	}

	if err := binary.Write(w.writer, binary.LittleEndian, uint64(rec.Seq)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(rec.LogID))); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(string(rec.LogID)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(rec.Payload))); err != nil {
		return err
	}
	_, err := w.writer.Write(rec.Payload)
	return err
}

func readRecord(r io.Reader) (Record, error) {
	var (
		rec Record
		seq uint64
	)
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return rec, err
	}
	rec.Seq = types.Seq(seq)

	id, err := readChunk(r)
	if err != nil {
		return rec, err
	}
	rec.LogID = types.LogID(id)

	if rec.Payload, err = readChunk(r); err != nil {
		return rec, err
	}
	return rec, nil
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if n > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes", errCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
