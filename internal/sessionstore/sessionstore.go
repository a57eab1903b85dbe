// Package sessionstore durably records (targetId, instanceNum) -> upstream
// sessionId on disk so a crashed proxy process can delete leftover upstream
// sessions on the next run, even without any in-memory state. The on-disk
// shape is a single JSON document, rewritten whole on every mutation.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const fileName = "broker-sessions.json"

// document is the on-disk shape: targetId -> instanceNum -> sessionId.
// instanceNum is carried as a passthrough key — the proxy only ever uses
// one instance per target today, but the field exists in the source format
// and may be meaningful to a future multi-instance session model.
type document map[string]map[string]string

// Store owns broker-sessions.json under a runner directory. All write
// operations are whole-file rewrites; failures are logged and swallowed
// since cleanup is best-effort per the spec.
type Store struct {
	path   string
	logger *zap.Logger

	mu  sync.Mutex
	doc document
}

// New creates a Store rooted at <runnerDir>/broker-sessions.json and loads
// any existing document from disk.
func New(runnerDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:   filepath.Join(runnerDir, fileName),
		logger: logger.Named("sessionstore"),
		doc:    make(document),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessionstore: reading %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("sessionstore: parsing %s: %w", s.path, err)
	}
	s.doc = doc
	return nil
}

// Save records sessionID for (targetID, instance). Write failures are
// logged and swallowed — session cleanup is best-effort.
func (s *Store) Save(targetID, instance, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc[targetID] == nil {
		s.doc[targetID] = make(map[string]string)
	}
	s.doc[targetID][instance] = sessionID

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist session record",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

// Remove deletes the (targetID, instance) entry. If the document becomes
// empty as a result, the file itself is deleted rather than left as "{}".
func (s *Store) Remove(targetID, instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instances, ok := s.doc[targetID]; ok {
		delete(instances, instance)
		if len(instances) == 0 {
			delete(s.doc, targetID)
		}
	}

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist session removal",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

// Get returns the recorded session ID for (targetID, instance), if any.
func (s *Store) Get(targetID, instance string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, ok := s.doc[targetID]
	if !ok {
		return "", false
	}
	id, ok := instances[instance]
	return id, ok
}

// AllForTarget returns a copy of every instance->sessionID pair recorded for
// targetID. Used at startup to find leftover sessions to clean up.
func (s *Store) AllForTarget(targetID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for k, v := range s.doc[targetID] {
		out[k] = v
	}
	return out
}

// Clear removes all recorded sessions for targetID.
func (s *Store) Clear(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.doc, targetID)

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist session clear",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

// persist rewrites the whole document to disk, or deletes the file if the
// document is now empty. Caller must hold s.mu.
func (s *Store) persist() error {
	if len(s.doc) == 0 {
		err := os.Remove(s.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing empty session file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating runner dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}
