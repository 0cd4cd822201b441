package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// ErrEntropyUnavailable indicates the secure random source failed.
// Key generation must not fall back to weaker randomness; callers
// treat this as fatal.
var ErrEntropyUnavailable = errors.New("secure random source unavailable")

// Generate produces a new KeyRecord with two independent 128-bit
// random values for the key and the key ID. Neither value is derived
// from the other. Persistence is the caller's responsibility.
func Generate() (*KeyRecord, error) {
	kid, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	key, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}

	return &KeyRecord{
		KID:         newEncodedValue(kid),
		Key:         newEncodedValue(key),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return b, nil
}
