// Package packager invokes the external media packaging tool that
// encrypts content under a generated key. Only the input contract is
// owned here; the tool's internal behavior is not interpreted.
package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/clearkey-license-gateway/internal/keys"
)

// ErrPackagingFailed indicates the external tool exited nonzero or
// could not be started. Partial outputs are removed before returning;
// they must never be mistaken for valid assets.
var ErrPackagingFailed = errors.New("packaging failed")

// SchemeCENC selects segment-level content encryption with
// counter-mode AES. It is the only scheme the ClearKey flow uses.
const SchemeCENC = "cenc"

// Request describes one packaging run.
type Request struct {
	// Input is the source media file path.
	Input string
	// Record supplies the key and key ID; the tool consumes the hex
	// encodings.
	Record *keys.KeyRecord
	// Scheme is the protection scheme identifier. Empty means cenc.
	Scheme string
	// OutputMedia is the encrypted media track path.
	OutputMedia string
	// OutputManifest is the DASH manifest path.
	OutputManifest string
}

// Packager runs the external packaging executable.
type Packager struct {
	binary string
	logger *logrus.Logger
}

// New creates a packager around the given executable name or path.
func New(binary string, logger *logrus.Logger) *Packager {
	return &Packager{binary: binary, logger: logger}
}

// Args builds the exact command-line input contract for a request.
func Args(req Request) []string {
	scheme := req.Scheme
	if scheme == "" {
		scheme = SchemeCENC
	}
	return []string{
		fmt.Sprintf("input=%s,stream=video,output=%s", req.Input, req.OutputMedia),
		"--enable_raw_key_encryption",
		"--keys", fmt.Sprintf("label=:key_id=%s:key=%s", req.Record.KID.Hex, req.Record.Key.Hex),
		"--protection_scheme", scheme,
		"--mpd_output", req.OutputManifest,
	}
}

// Run executes the packaging tool and waits for it to finish. Nonzero
// exit or a start failure surfaces as ErrPackagingFailed carrying the
// tool's diagnostic output, and any partial outputs are removed.
func (p *Packager) Run(ctx context.Context, req Request) error {
	if err := req.Record.Verify(); err != nil {
		return fmt.Errorf("refusing to package with inconsistent record: %w", err)
	}

	args := Args(req)
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.logger.WithFields(logrus.Fields{
		"binary":   p.binary,
		"input":    req.Input,
		"output":   req.OutputMedia,
		"manifest": req.OutputManifest,
		"kid":      req.Record.KID.Hex,
	}).Info("Running packager")

	if err := cmd.Run(); err != nil {
		p.removePartialOutputs(req)
		diag := strings.TrimSpace(stderr.String())
		if diag != "" {
			return fmt.Errorf("%w: %v: %s", ErrPackagingFailed, err, diag)
		}
		return fmt.Errorf("%w: %v", ErrPackagingFailed, err)
	}

	return nil
}

func (p *Packager) removePartialOutputs(req Request) {
	for _, path := range []string{req.OutputMedia, req.OutputManifest} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.WithError(err).WithField("path", path).
				Warn("Could not remove partial packaging output")
		}
	}
}
