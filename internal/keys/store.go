package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrStoreMissing indicates no key record has been saved yet.
	// Recoverable by the operator regenerating keys.
	ErrStoreMissing = errors.New("key store file does not exist")

	// ErrStoreCorrupt indicates the persisted encodings fail the
	// cross-encoding invariant or cannot be parsed.
	ErrStoreCorrupt = errors.New("key store file is corrupt")
)

// storeFile is the persisted key store shape. Both encodings of both
// values are written out so the packager (hex) and the license
// endpoint (base64url) read the same file without re-encoding.
type storeFile struct {
	Generated  time.Time      `json:"generated"`
	Encryption encryptionSpec `json:"encryption"`
}

type encryptionSpec struct {
	Hex       encodingPair `json:"hex"`
	Base64URL encodingPair `json:"base64url"`
}

type encodingPair struct {
	Key string `json:"key"`
	KID string `json:"kid"`
}

// FileStore persists a single active KeyRecord to a JSON file. Saving
// a new record supersedes the old one for future license issuance;
// media packaged under the old key becomes undecryptable.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the record to the store file in indented, human-diffable
// JSON. The write goes through a temp file and rename so a concurrent
// reader never sees a partial file.
func (s *FileStore) Save(record *KeyRecord) (string, error) {
	if err := record.Verify(); err != nil {
		return "", fmt.Errorf("refusing to save inconsistent record: %w", err)
	}

	out := storeFile{
		Generated: record.GeneratedAt,
		Encryption: encryptionSpec{
			Hex:       encodingPair{Key: record.Key.Hex, KID: record.KID.Hex},
			Base64URL: encodingPair{Key: record.Key.Base64URL, KID: record.KID.Base64URL},
		},
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling key store: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating key store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing key store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing key store: %w", err)
	}

	return s.path, nil
}

// Load reads the record back and verifies the cross-encoding
// invariant before returning it. A record whose hex and base64url
// fields decode to different bytes is rejected as corrupt rather than
// silently returned.
func (s *FileStore) Load() (*KeyRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, s.path)
		}
		return nil, fmt.Errorf("reading key store: %w", err)
	}

	var in storeFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	record := &KeyRecord{
		KID:         EncodedValue{Hex: in.Encryption.Hex.KID, Base64URL: in.Encryption.Base64URL.KID},
		Key:         EncodedValue{Hex: in.Encryption.Hex.Key, Base64URL: in.Encryption.Base64URL.Key},
		GeneratedAt: in.Generated,
	}

	if err := record.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	return record, nil
}
