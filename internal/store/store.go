// Package store keeps recorded monitor transcripts on disk, addressed by
// the hash of their content.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no capture matches a hash.
var ErrNotFound = errors.New("capture not found")

// Store manages a content-addressable collection of captures.
type Store struct {
	baseDir     string
	capturesDir string
	metadataDir string
	indexPath   string
}

// Index contains quick lookup information for all captures.
type Index struct {
	Captures  map[string]IndexEntry `json:"captures"` // hash -> entry
	UpdatedAt time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Hash       string    `json:"hash"`
	DeviceName string    `json:"device_name,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Lines      int       `json:"lines"`
	CreatedAt  time.Time `json:"created_at"`
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:     path,
		capturesDir: filepath.Join(path, "captures"),
		metadataDir: filepath.Join(path, "metadata"),
		indexPath:   filepath.Join(path, "index.json"),
	}

	if err := os.MkdirAll(s.capturesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create captures dir: %w", err)
	}
	if err := os.MkdirAll(s.metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}

	return s, nil
}

// Import adds a transcript to the store. Recording the same transcript
// again only appends the source. Returns the hash and whether the capture
// was new.
func (s *Store) Import(transcript []byte, source Source) (string, bool, error) {
	hash := ContentHash(transcript)
	capturePath := filepath.Join(s.capturesDir, hashToFilename(hash)+".log")
	metaPath := filepath.Join(s.metadataDir, hashToFilename(hash)+".json")

	isNew := false
	var meta *Metadata

	if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
		isNew = true
		meta = ExtractMetadata(transcript, hash)
		meta.Sources = []Source{source}
		meta.CreatedAt = time.Now()
		meta.UpdatedAt = meta.CreatedAt

		if err := os.WriteFile(capturePath, transcript, 0o644); err != nil {
			return "", false, fmt.Errorf("failed to write capture: %w", err)
		}
	} else {
		meta, err = s.GetMetadata(hash)
		if err != nil {
			return "", false, err
		}
		meta.Sources = append(meta.Sources, source)
		meta.UpdatedAt = time.Now()
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := s.updateIndex(hash, meta); err != nil {
		return "", false, fmt.Errorf("failed to update index: %w", err)
	}

	return hash, isNew, nil
}

// Get retrieves a transcript by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.capturesDir, hashToFilename(hash)+".log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", hash, ErrNotFound)
	}
	return data, err
}

// GetMetadata retrieves capture metadata by hash.
func (s *Store) GetMetadata(hash string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.metadataDir, hashToFilename(hash)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// List returns all captures, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Captures))
	for _, entry := range index.Captures {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Resolve expands a full hash, a bare hex hash or a unique prefix of one
// to the full hash.
func (s *Store) Resolve(ref string) (string, error) {
	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	ref = hashToFilename(strings.ToLower(strings.TrimSpace(ref)))
	if ref == "" {
		return "", fmt.Errorf("empty capture reference")
	}

	var match string
	for hash := range index.Captures {
		if !strings.HasPrefix(hashToFilename(hash), ref) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("ambiguous capture reference %q", ref)
		}
		match = hash
	}
	if match == "" {
		return "", fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return match, nil
}

// Export writes a transcript to a file.
func (s *Store) Export(hash, destPath string) error {
	data, err := s.Get(hash)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

// Count returns the number of captures in the store.
func (s *Store) Count() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Captures), nil
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return &Index{Captures: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Captures == nil {
		index.Captures = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(hash string, meta *Metadata) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	entry := IndexEntry{
		Hash:      hash,
		Lines:     meta.Lines,
		CreatedAt: meta.CreatedAt,
	}
	if len(meta.Sources) > 0 {
		latest := meta.Sources[len(meta.Sources)-1]
		entry.DeviceName = latest.DeviceName
		entry.DeviceID = latest.DeviceID
	}
	index.Captures[hash] = entry
	index.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}
