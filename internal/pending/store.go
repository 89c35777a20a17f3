// Package pending publishes issued confirmation challenges to the filesystem
// and watches for human responses. The files are the UI boundary: an
// external surface renders the pending challenge, the human answers, and the
// response file flows back into the confirmation gate.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/selfsession/authcore/internal/acc"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Challenge is the published form of a pending confirmation. It carries the
// prompt, never the expected response.
type Challenge struct {
	ACCID       string            `json:"acc_id"`
	SessionID   string            `json:"session_id"`
	WorkOrderID string            `json:"work_order_id,omitempty"`
	Kind        acc.ChallengeKind `json:"kind"`
	Payload     string            `json:"payload"`
	IssuedAt    time.Time         `json:"issued_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Store manages pending challenge files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create pending directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default pending challenge directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "authcore-pending")
	}
	return filepath.Join(home, ".authcore", "pending")
}

// ResponseDir returns the directory watched for response files.
func (s *Store) ResponseDir() string {
	return filepath.Join(s.dir, "responses")
}

// Publish writes the token's challenge for an external surface to render.
// No-op if the challenge file already exists.
func (s *Store) Publish(t *acc.Token, workOrderID string) error {
	if err := validateKey(t.ACCID); err != nil {
		return fmt.Errorf("invalid challenge key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(t.ACCID)
	if _, err := os.Stat(path); err == nil {
		return nil // already published
	}

	c := Challenge{
		ACCID:       t.ACCID,
		SessionID:   t.SessionID,
		WorkOrderID: workOrderID,
		Kind:        t.Challenge,
		Payload:     t.Payload,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
	return s.writeAtomic(path, c)
}

// List returns every published challenge.
func (s *Store) List() ([]Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Challenge
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

// Remove deletes a published challenge, typically once its token settled.
func (s *Store) Remove(accID string) error {
	if err := validateKey(accID); err != nil {
		return fmt.Errorf("invalid challenge key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(accID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Cleanup removes all challenge files in the store.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) path(accID string) string {
	return filepath.Join(s.dir, accID+".json")
}

func (s *Store) read(accID string) (*Challenge, error) {
	data, err := os.ReadFile(s.path(accID))
	if err != nil {
		return nil, err
	}
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) writeAtomic(path string, c Challenge) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
