package orders

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// walFile is the part of *os.File the WAL uses.
type walFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// ErrWALBroken is returned for every write after the WAL failed to roll back
// a partial write.
var ErrWALBroken = errors.New("wal is broken")

// FileWAL appends serialized journal entries to a file, one JSON document per line.
type FileWAL struct {
	mu     sync.Mutex
	path   string
	f      walFile
	size   int64
	broken error
}

// NewFileWAL opens (or creates) the WAL at path for appending.
func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileWAL{path: path, f: f, size: info.Size()}, nil
}

// Write appends data and syncs the file before returning. A failed write or
// sync is truncated away so the file ends on a complete line; if that fails
// too, the WAL refuses further writes.
func (w *FileWAL) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return fmt.Errorf("%w: %v", ErrWALBroken, w.broken)
	}

	line := append(data, '\n')
	n, err := w.f.Write(line)
	if err == nil && n != len(line) {
		err = fmt.Errorf("partial write: wrote %d of %d bytes", n, len(line))
	}
	if err == nil {
		err = w.f.Sync()
	}
	if err != nil {
		if terr := w.f.Truncate(w.size); terr != nil {
			w.broken = terr
			return errors.Join(err, fmt.Errorf("%w: rollback: %v", ErrWALBroken, terr))
		}
		return err
	}
	w.size += int64(n)
	return nil
}

// Close releases the underlying file handle.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// FileStore is a MemoryStore whose mutations are journaled to a FileWAL
// before they are applied. Opening a FileStore replays the journal.
type FileStore struct {
	*MemoryStore
	wal *FileWAL
}

// OpenFileStore replays the WAL at path into memory and keeps appending to it.
// An unterminated final line, left by a crash mid-write, is truncated away.
func OpenFileStore(path string) (*FileStore, error) {
	mem := NewMemoryStore()
	if err := replayJournal(path, mem); err != nil {
		return nil, err
	}
	wal, err := NewFileWAL(path)
	if err != nil {
		return nil, err
	}
	mem.journal = func(entry journalEntry) error {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return wal.Write(payload)
	}
	return &FileStore{MemoryStore: mem, wal: wal}, nil
}

// Close closes the WAL.
func (s *FileStore) Close() error {
	return s.wal.Close()
}

func replayJournal(path string, mem *MemoryStore) (err error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if readErr == io.EOF {
			if len(raw) > 0 {
				// Unterminated tail from an interrupted write; its caller saw the error.
				return os.Truncate(path, offset)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
		line++
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("wal %s line %d: %w", path, line, err)
		}
		if err := mem.apply(entry); err != nil {
			return fmt.Errorf("wal %s line %d: %w", path, line, err)
		}
		offset += int64(len(raw))
	}
}
