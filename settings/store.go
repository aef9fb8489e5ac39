package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sidoh/esp8266-thermometer/storage"
)

// DocumentName is the blob the settings document is persisted under.
const DocumentName = "/config.json"

// Logger is the subset of the application logger the store needs.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Store owns the in-memory settings record and persists it through a blob
// store. The in-memory record stays authoritative when persistence fails.
type Store struct {
	blob   storage.Blob
	logger Logger

	mu      sync.RWMutex
	current Settings
}

// NewStore creates a store holding Defaults(). Call Load to read the
// persisted document.
func NewStore(blob storage.Blob, logger Logger) *Store {
	return &Store{
		blob:    blob,
		logger:  logger,
		current: Defaults(),
	}
}

// Load applies the persisted document over the defaults. A missing document
// is bootstrapped by saving the defaults; an unreadable one is logged and the
// defaults are kept.
func (s *Store) Load() {
	exists, err := s.blob.Exists(DocumentName)
	if err != nil {
		s.logger.Error("Failed to check for settings document", "path", DocumentName, "error", err)
		return
	}
	if !exists {
		s.logger.Info("No settings document found, writing defaults", "path", DocumentName)
		_ = s.Save()
		return
	}

	data, err := s.blob.Read(DocumentName)
	if err != nil {
		s.logger.Error("Failed to read settings document", "path", DocumentName, "error", err)
		return
	}

	loaded := Defaults()
	applied, rejected, err := apply(&loaded, data)
	if err != nil {
		s.logger.Error("Failed to parse settings document, keeping defaults", "path", DocumentName, "error", err)
		return
	}
	for _, ke := range rejected {
		s.logger.Warn("Ignoring invalid stored setting", "key", ke.Key, "error", ke.Err)
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	s.logger.Info("Loaded settings", "path", DocumentName, "keys", len(applied))
}

// Patch merges a (flat dotted or nested) JSON document into the record.
// Unknown keys are ignored and zero matches is not an error. Recognised keys
// with unusable values are skipped and returned in the result.
func (s *Store) Patch(doc []byte) (PatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	applied, rejected, err := apply(&next, doc)
	if err != nil {
		return PatchResult{}, err
	}
	s.current = next

	for _, ke := range rejected {
		s.logger.Warn("Ignoring invalid setting in patch", "key", ke.Key, "error", ke.Err)
	}
	if len(applied) > 0 {
		s.logger.Debug("Patched settings", "keys", applied)
	}
	return PatchResult{Applied: applied, Rejected: rejected}, nil
}

// PatchResult lists what a patch changed.
type PatchResult struct {
	Applied  []string
	Rejected []*KeyError
}

// Save writes the full record. Failures are logged and returned; they never
// roll back the in-memory record.
func (s *Store) Save() error {
	data, err := s.Document(false)
	if err != nil {
		s.logger.Error("Failed to serialize settings", "error", err)
		return err
	}
	if err := s.blob.Write(DocumentName, data); err != nil {
		s.logger.Error("Failed to save settings", "path", DocumentName, "error", err)
		return fmt.Errorf("save settings: %w", err)
	}
	s.logger.Debug("Saved settings", "path", DocumentName, "bytes", len(data))
	return nil
}

// Document renders the canonical JSON form. pretty only changes whitespace.
func (s *Store) Document(pretty bool) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return encode(&s.current, pretty)
}

// Settings returns a deep copy of the current record.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// HasAuthSettings reports whether the admin credential pair is set.
func (s *Store) HasAuthSettings() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.HasAuthSettings()
}

// Credentials returns the admin username and password.
func (s *Store) Credentials() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AdminUsername, s.current.AdminPassword
}

// RequiredFieldsPresent reports whether the mode-flag server is configured.
func (s *Store) RequiredFieldsPresent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RequiredFieldsPresent()
}

// IsInvalidDocument reports whether err came from an unparseable patch.
func IsInvalidDocument(err error) bool {
	return errors.Is(err, ErrInvalidDocument)
}
