// Package filestore spools submitted chunk files to local disk between accept
// and processing. Files are content-addressed by sha256 so the checksum used
// for deduplication falls out of the write.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Store interface {
	// Save spools the reader to storage and returns the storage path, the
	// sha256 hex digest of the content and the number of bytes written.
	Save(ctx context.Context, name string, r io.Reader) (path string, checksum string, size int64, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// LocalStore keeps spooled files under a single directory on local disk.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Save(_ context.Context, name string, r io.Reader) (string, string, int64, error) {
	path := filepath.Join(s.dir, uuid.NewString()+"_"+sanitizeName(name))
	f, err := os.Create(path)
	if err != nil {
		return "", "", 0, errors.WithStack(err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		// Half-written spool files are useless, get rid of them
		if removeErr := os.Remove(path); removeErr != nil {
			log.WithError(removeErr).Warnf("Failed to remove partial spool file %s", path)
		}
		return "", "", 0, errors.WithStack(err)
	}
	return path, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (s *LocalStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (s *LocalStore) Delete(_ context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// sanitizeName strips path separators and other hostile characters from a
// client-supplied filename before it becomes part of a spool path.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
