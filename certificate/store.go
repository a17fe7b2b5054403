package certificate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// readJSON loads the file at path into v. A missing file is not an error, and leaves v untouched.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	return json.Unmarshal(b, v)
}

// writeJSON serialises v to a temporary file next to path, then moves it into place.
func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// JsonStore holds certificates obtained from suppliers, persisting them to a JSON file.
type JsonStore struct {
	path string

	mutex        sync.Mutex
	certificates []*Details
}

// NewStore creates a new certificate store backed by the given path, loading any previously saved data.
func NewStore(path string) (*JsonStore, error) {
	j := &JsonStore{path: path}
	if err := readJSON(path, &j.certificates); err != nil {
		return nil, fmt.Errorf("unable to load certificate store from '%s': %w", path, err)
	}
	return j, nil
}

// GetCertificate returns a previously stored certificate with the given subject and alt names, or `nil` if none
// exists. Returned certificates are not guaranteed to be valid.
func (j *JsonStore) GetCertificate(subject string, altNames []string) *Details {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	for i := range j.certificates {
		if j.certificates[i].IsFor(subject, altNames) {
			return j.certificates[i]
		}
	}
	return nil
}

// SaveCertificate replaces any certificate for the same names with the given one, drops any expired
// certificates, and writes the store to disk.
func (j *JsonStore) SaveCertificate(certificate *Details) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	kept := []*Details{certificate}
	for i := range j.certificates {
		c := j.certificates[i]
		if !c.IsFor(certificate.Subject, certificate.AltNames) && c.ValidFor(0) {
			kept = append(kept, c)
		}
	}
	j.certificates = kept

	return writeJSON(j.path, j.certificates)
}

// IdentityStore holds identities fetched from the key escrow service, keyed by escrow key. An empty path keeps
// the store in memory only.
type IdentityStore struct {
	path string

	mutex      sync.RWMutex
	bundles    map[string]string
	identities map[string]*Identity
}

// NewIdentityStore creates an identity store backed by the given path, loading any previously saved bundles.
func NewIdentityStore(path string) (*IdentityStore, error) {
	s := &IdentityStore{
		path:       path,
		bundles:    make(map[string]string),
		identities: make(map[string]*Identity),
	}

	if path != "" {
		if err := readJSON(path, &s.bundles); err != nil {
			return nil, fmt.Errorf("unable to load identity store from '%s': %w", path, err)
		}
	}

	for key, bundle := range s.bundles {
		s.identities[key] = NewIdentity("escrow", []byte(bundle))
	}
	return s, nil
}

// Identity returns the identity most recently stored under the given key, or nil.
func (s *IdentityStore) Identity(key string) *Identity {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.identities[key]
}

// Put stores the bundle under the given key. It reports whether the stored value changed.
func (s *IdentityStore) Put(key string, bundle []byte) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.bundles[key]; ok && existing == string(bundle) {
		return false, nil
	}

	s.bundles[key] = string(bundle)
	s.identities[key] = NewIdentity("escrow", bundle)

	if s.path == "" {
		return true, nil
	}
	return true, writeJSON(s.path, s.bundles)
}
