// Package archive stores case evidence bundles for PERSIST_EVIDENCE.
//
// Bundles are content-addressed: the file name is the SHA-256 of the bundle,
// so archiving the same evidence twice yields the same path.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Bundle is the archived record of a case's evidence.
type Bundle struct {
	CaseID   string           `json:"case_id"`
	Key      signal.Key       `json:"key"`
	Severity cases.Severity   `json:"severity"`
	Evidence []cases.Evidence `json:"evidence"`
}

// Dir is a file archive rooted at a directory.
type Dir struct {
	root   string
	logger log.Logger
}

// New creates the archive root if needed.
func New(root string, logger log.Logger) (*Dir, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Dir{root: root, logger: logger}, nil
}

// Put writes the evidence bundle for c and returns its path. The write is a
// temp file plus rename, so a reader never sees a partial bundle.
func (d *Dir) Put(ctx context.Context, c *cases.Case) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := json.Marshal(Bundle{CaseID: c.ID, Key: c.Key, Severity: c.Severity, Evidence: c.Evidence})
	if err != nil {
		return "", cases.Permanent(fmt.Errorf("archive: encode bundle: %w", err))
	}
	sum := sha256.Sum256(b)
	name := hex.EncodeToString(sum[:])
	path := filepath.Join(d.root, name[:2], name+".json")

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", classify(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return "", classify(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return "", classify(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", classify(err)
	}
	if err := tmp.Close(); err != nil {
		return "", classify(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", classify(err)
	}

	d.logger.Info(ctx, "evidence archived", "case_id", c.ID, "path", path, "items", len(c.Evidence))
	return path, nil
}

// Read loads and verifies a bundle written by Put.
func (d *Dir) Read(path string) (*Bundle, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	if want := filepath.Base(path); hex.EncodeToString(sum[:])+".json" != want {
		return nil, fmt.Errorf("archive: %s does not match its content hash", path)
	}
	var bundle Bundle
	if err := json.Unmarshal(b, &bundle); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", path, err)
	}
	return &bundle, nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return cases.Permanent(fmt.Errorf("archive: %w", err))
	}
	return cases.Transient(fmt.Errorf("archive: %w", err))
}

var _ cases.EvidenceArchive = (*Dir)(nil)
