package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// PackageStore is the concurrent firmware-package registry backing
// ReceivePackage/ListPackages/GetPackage/VerifyPackage/DeletePackage,
// shaped like the conversion store's map+mutex registry.
type PackageStore struct {
	mu       sync.RWMutex
	packages map[string]*sovd.Package
}

// NewPackageStore creates an empty package registry.
func NewPackageStore() *PackageStore {
	return &PackageStore{packages: make(map[string]*sovd.Package)}
}

// Receive stores pkg, computing its SHA-256 checksum if the caller did
// not already supply one.
func (s *PackageStore) Receive(pkg *sovd.Package) error {
	if pkg.ID == "" {
		return errors.NewInvalidRequest("id", "package id is required")
	}
	if pkg.SHAChecksum == "" {
		sum := sha256.Sum256(pkg.Bytes)
		pkg.SHAChecksum = hex.EncodeToString(sum[:])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[pkg.ID] = pkg
	return nil
}

// List returns every registered package, metadata only (Bytes is
// excluded from JSON already via its struct tag).
func (s *PackageStore) List() []sovd.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sovd.Package, 0, len(s.packages))
	for _, p := range s.packages {
		out = append(out, *p)
	}
	return out
}

// Get returns one package by id.
func (s *PackageStore) Get(id string) (*sovd.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, errors.NotFound(errors.EntityNotFound, "package", id)
	}
	return p, nil
}

// Verify recomputes the SHA-256 checksum and compares it against the
// package's recorded one, marking Verified on success.
func (s *PackageStore) Verify(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return false, errors.NotFound(errors.EntityNotFound, "package", id)
	}
	sum := sha256.Sum256(p.Bytes)
	ok = hex.EncodeToString(sum[:]) == p.SHAChecksum
	p.Verified = ok
	return ok, nil
}

// Delete removes a package.
func (s *PackageStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[id]; !ok {
		return errors.NotFound(errors.EntityNotFound, "package", id)
	}
	delete(s.packages, id)
	return nil
}
