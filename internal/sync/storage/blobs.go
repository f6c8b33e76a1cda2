// Package storage keeps upload payloads on disk, addressed by SHA-256.
// Identical payloads are stored once; the queue holds only the reference.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

const hashLen = sha256.Size * 2

// BlobStore stores payloads at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "tmp"), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "create blob directory", err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidRef reports whether ref looks like a blob reference.
func ValidRef(ref string) bool {
	if len(ref) != hashLen {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// Put streams r into the store and returns its reference and size.
// The content is written to a temp file first and renamed into place.
func (s *BlobStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, "tmp"), "blob-*")
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDatabase, "create temp blob", err)
	}
	defer os.Remove(tmp.Name())

	hr := newHashingReader(r)
	size, err := io.Copy(tmp, hr)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDatabase, "write blob", err)
	}

	ref := hr.Sum()
	dest := s.path(ref)
	if _, err := os.Stat(dest); err == nil {
		return ref, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDatabase, "create blob directory", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDatabase, "commit blob", err)
	}
	return ref, size, nil
}

// Open returns a reader over the blob. The caller closes it.
func (s *BlobStore) Open(ref string) (io.ReadCloser, error) {
	if !ValidRef(ref) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid blob reference %q", ref)
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "blob %s not found", ref)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open blob", err)
	}
	return f, nil
}

// Get reads the whole blob and verifies its hash.
func (s *BlobStore) Get(ref string) ([]byte, error) {
	rc, err := s.Open(ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read blob", err)
	}
	if got := Hash(data); got != ref {
		return nil, apperrors.Newf(apperrors.ErrDatabase, "blob hash mismatch: expected %s, got %s", ref, got)
	}
	return data, nil
}

// Delete removes a blob and any directories it leaves empty.
func (s *BlobStore) Delete(ref string) error {
	if !ValidRef(ref) {
		return apperrors.Newf(apperrors.ErrValidation, "invalid blob reference %q", ref)
	}
	p := s.path(ref)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "delete blob", err)
	}

	dir := filepath.Dir(p)
	_ = os.Remove(dir)
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// Exists reports whether the blob is present.
func (s *BlobStore) Exists(ref string) bool {
	if !ValidRef(ref) {
		return false
	}
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// List returns every stored reference.
func (s *BlobStore) List() ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if ValidRef(name) && s.path(name) == p {
			refs = append(refs, name)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "walk blobs", err)
	}
	return refs, nil
}

// Verify re-hashes every blob and returns the corrupted references.
func (s *BlobStore) Verify() ([]string, error) {
	refs, err := s.List()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, ref := range refs {
		if _, err := s.Get(ref); err != nil {
			corrupted = append(corrupted, ref)
		}
	}
	return corrupted, nil
}

func (s *BlobStore) path(ref string) string {
	return filepath.Join(s.baseDir, ref[0:2], ref[2:4], ref)
}

// hashingReader hashes data as it is read.
type hashingReader struct {
	r io.Reader
	h hash.Hash
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex digest of everything read so far.
func (h *hashingReader) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
