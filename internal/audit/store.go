package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first record of each day's log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Store is an append-only JSONL audit store with SHA-256 hash chaining,
// rotated daily. Each record's prev_hash is the hash of the previous
// record's JSON line; each day starts a fresh chain from the genesis hash.
// Files are named forensic-YYYY-MM-DD.jsonl under the store directory.
type Store struct {
	dir      string
	mu       sync.Mutex
	file     *os.File
	day      string
	prevHash string
}

// OpenStore opens (or creates) a store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// PathForDay returns the log file path for a date key (YYYY-MM-DD).
func (s *Store) PathForDay(day string) string {
	return filepath.Join(s.dir, "forensic-"+day+".jsonl")
}

// Append writes a record into the chain for now's date, rotating to a new
// file (and a new chain) when the day changes.
func (s *Store) Append(rec Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	if s.file == nil || day != s.day {
		if err := s.openDayLocked(day); err != nil {
			return err
		}
	}

	if rec.Timestamp == "" {
		rec.Timestamp = now.UTC().Format(TimestampFormat)
	}
	rec.PrevHash = s.prevHash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	s.prevHash = HashLine(line)
	return nil
}

// openDayLocked switches the store to the given day's file, recovering the
// chain tail if the file already has records.
func (s *Store) openDayLocked(day string) error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	path := s.PathForDay(day)
	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}

	s.file = file
	s.day = day
	s.prevHash = prevHash
	return nil
}

// Close flushes and closes the current day's file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
