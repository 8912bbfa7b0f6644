package site

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Current on-disk document version. Bump the minor for additive changes
// handled by a migration; bump the major only for incompatible rewrites.
const (
	CurrentMajorVersion = 1
	CurrentMinorVersion = 3
)

// File permissions for the store document and its directory.
const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// ErrFutureVersion is returned when the on-disk document was written by a
// newer major version of the software.
var ErrFutureVersion = errors.New("site: config store written by a newer version")

// Record is the persisted core configuration.
type Record struct {
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	Elevation    int     `yaml:"elevation"`
	UnitSystem   string  `yaml:"unit_system"`
	LocationName string  `yaml:"location_name"`
	TimeZone     string  `yaml:"time_zone"`
	ExternalURL  string  `yaml:"external_url,omitempty"`
	InternalURL  string  `yaml:"internal_url,omitempty"`
	Currency     string  `yaml:"currency"`
	Country      string  `yaml:"country,omitempty"`
	Language     string  `yaml:"language"`
}

// DefaultRecord returns the record used when no document exists yet.
func DefaultRecord() Record {
	return Record{
		UnitSystem:   "metric",
		LocationName: "Home",
		TimeZone:     "UTC",
		Currency:     "EUR",
		Language:     "en",
	}
}

// Map renders the record for the core_config_updated event payload.
func (r Record) Map() map[string]any {
	return map[string]any{
		"latitude":      r.Latitude,
		"longitude":     r.Longitude,
		"elevation":     r.Elevation,
		"unit_system":   r.UnitSystem,
		"location_name": r.LocationName,
		"time_zone":     r.TimeZone,
		"external_url":  r.ExternalURL,
		"internal_url":  r.InternalURL,
		"currency":      r.Currency,
		"country":       r.Country,
		"language":      r.Language,
	}
}

// document is the versioned on-disk envelope.
type document struct {
	Version      int            `yaml:"version"`
	MinorVersion int            `yaml:"minor_version"`
	Data         map[string]any `yaml:"data"`
}

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store reads and writes the persisted record.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	logger Logger
}

// New creates a store backed by the yaml document at path.
func New(path string, logger Logger) *Store {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Store{path: path, logger: logger}
}

// Load reads the record, migrating older minor versions forward. A missing
// document yields DefaultRecord with no error. A document with a newer
// major version fails with ErrFutureVersion.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no site config store, using defaults", "path", s.path)
		return DefaultRecord(), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading site config: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Record{}, fmt.Errorf("parsing site config: %w", err)
	}

	if doc.Version > CurrentMajorVersion {
		return Record{}, fmt.Errorf("%w: %d.%d > %d.%d",
			ErrFutureVersion, doc.Version, doc.MinorVersion,
			CurrentMajorVersion, CurrentMinorVersion)
	}

	migrated, err := migrate(doc, s.logger)
	if err != nil {
		return Record{}, err
	}

	rec, err := decodeRecord(migrated.Data)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Save writes the record at the current version. The write goes through a
// temp file and rename so a crash never leaves a half-written document.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	doc := document{
		Version:      CurrentMajorVersion,
		MinorVersion: CurrentMinorVersion,
		Data:         data,
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding site config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), dirPermissions); err != nil {
		return fmt.Errorf("creating site config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, filePermissions); err != nil {
		return fmt.Errorf("writing site config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("installing site config: %w", err)
	}

	s.logger.Debug("site config saved", "path", s.path)
	return nil
}

// decodeRecord converts the migrated data map into a Record by
// round-tripping through yaml, so field handling stays in one place.
func decodeRecord(data map[string]any) (Record, error) {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("normalising site config: %w", err)
	}
	var rec Record
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding site config: %w", err)
	}
	return rec, nil
}

// encodeRecord converts a Record into the loose map stored on disk.
func encodeRecord(rec Record) (map[string]any, error) {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding site config: %w", err)
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encoding site config: %w", err)
	}
	return data, nil
}
