package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// ManifestFileName is the manifest inside a cache directory. Remote
// sources serve it under the same name.
const ManifestFileName = "manifest.yaml"

// Source fetches package files from a remote store.
type Source interface {
	// Fetch opens the named package file. The caller closes the reader.
	Fetch(ctx context.Context, file string) (io.ReadCloser, error)
}

// Store is a local, digest-verified package cache.
type Store struct {
	dir      string
	manifest *Manifest
}

// Open loads the cache at dir, reading its manifest.
func Open(dir string) (*Store, error) {
	manifest, err := LoadManifest(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, manifest: manifest}, nil
}

// New creates a Store over an explicit manifest, for callers that ship
// the manifest another way.
func New(dir string, manifest *Manifest) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}
	return &Store{dir: dir, manifest: manifest}, nil
}

// Manifest returns the store's manifest.
func (s *Store) Manifest() *Manifest {
	return s.manifest
}

// Path returns where a package lives in the cache.
func (s *Store) Path(p Package) string {
	return filepath.Join(s.dir, p.File)
}

// Cached reports whether a package is present with a matching digest.
func (s *Store) Cached(p Package) bool {
	sum, err := fileSHA256(s.Path(p))
	return err == nil && sum == p.SHA256
}

// Read returns a package's bytes after verifying its digest.
func (s *Store) Read(p Package) ([]byte, error) {
	path := s.Path(p)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", p.File, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != p.SHA256 {
		return nil, fmt.Errorf("package %s failed digest verification", p.File)
	}
	return raw, nil
}

// Select picks the one cached package for a device and returns its
// bytes along with its descriptor.
func (s *Store) Select(osClass, arch string) (Package, []byte, error) {
	p, err := s.manifest.Select(osClass, arch)
	if err != nil {
		return Package{}, nil, err
	}
	raw, err := s.Read(p)
	if err != nil {
		return Package{}, nil, err
	}
	return p, raw, nil
}

// Sync fills the cache from a source. Packages already present with a
// matching digest are skipped; fetched files are verified and moved
// into place atomically so an interrupted sync never leaves a corrupt
// package behind.
func (s *Store) Sync(ctx context.Context, src Source) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create artifact cache: %w", err)
	}

	for _, p := range s.manifest.Packages {
		if s.Cached(p) {
			log.Printf("artifact %s cached, skipping", p.File)
			continue
		}
		if err := s.fetch(ctx, src, p); err != nil {
			return err
		}
		log.Printf("artifact %s fetched", p.File)
	}
	return nil
}

func (s *Store) fetch(ctx context.Context, src Source, p Package) error {
	body, err := src.Fetch(ctx, p.File)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p.File, err)
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(s.dir, p.File+".part-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", p.File, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", p.File, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("download %s: %w", p.File, err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != p.SHA256 {
		return fmt.Errorf("package %s digest mismatch: got %s want %s", p.File, sum, p.SHA256)
	}
	if err := os.Rename(tmp.Name(), s.Path(p)); err != nil {
		return fmt.Errorf("store %s: %w", p.File, err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
