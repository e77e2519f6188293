// Package certvalidator holds the trust anchors used during signature
// validation and evaluates certificates against them.
package certvalidator

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/georgepadayatti/goasic/keys"
)

// TrustStore is a set of trust anchor certificates. Readers always see a
// complete snapshot; writers build a new snapshot and swap it in.
type TrustStore struct {
	current atomic.Pointer[snapshot]
	// writeMu serializes copy-on-write updates.
	writeMu sync.Mutex
}

// snapshot is immutable once published.
type snapshot struct {
	certs      []*x509.Certificate
	byPrint    map[[32]byte]*x509.Certificate
	subjectMap map[string][]*x509.Certificate
	keyIDMap   map[string][]*x509.Certificate
}

func newSnapshot(certs []*x509.Certificate) *snapshot {
	s := &snapshot{
		byPrint:    make(map[[32]byte]*x509.Certificate, len(certs)),
		subjectMap: make(map[string][]*x509.Certificate),
		keyIDMap:   make(map[string][]*x509.Certificate),
	}
	for _, c := range certs {
		s.register(c)
	}
	return s
}

func (s *snapshot) register(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	fp := CertificateFingerprint(cert)
	if _, exists := s.byPrint[fp]; exists {
		return false
	}
	s.byPrint[fp] = cert
	s.certs = append(s.certs, cert)

	subjectKey := subjectHashKey(cert.Subject)
	s.subjectMap[subjectKey] = append(s.subjectMap[subjectKey], cert)
	if len(cert.SubjectKeyId) > 0 {
		s.keyIDMap[string(cert.SubjectKeyId)] = append(s.keyIDMap[string(cert.SubjectKeyId)], cert)
	}
	return true
}

// NewTrustStore creates a store holding certs.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	ts := &TrustStore{}
	ts.current.Store(newSnapshot(certs))
	return ts
}

func (ts *TrustStore) snap() *snapshot {
	if s := ts.current.Load(); s != nil {
		return s
	}
	return newSnapshot(nil)
}

// Add registers certificates and returns how many were new.
func (ts *TrustStore) Add(certs ...*x509.Certificate) int {
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	old := ts.snap()
	next := newSnapshot(old.certs)
	added := 0
	for _, c := range certs {
		if next.register(c) {
			added++
		}
	}
	if added > 0 {
		ts.current.Store(next)
	}
	return added
}

// Replace atomically swaps the whole anchor set.
func (ts *TrustStore) Replace(certs []*x509.Certificate) {
	next := newSnapshot(certs)
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	ts.current.Store(next)
}

// ImportFromPath adds every certificate file found in dir.
func (ts *TrustStore) ImportFromPath(dir string) (int, error) {
	certs, err := keys.LoadCertsFromDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to import trust anchors: %w", err)
	}
	return ts.Add(certs...), nil
}

// Certificates returns the anchors of the current snapshot.
func (ts *TrustStore) Certificates() []*x509.Certificate {
	s := ts.snap()
	out := make([]*x509.Certificate, len(s.certs))
	copy(out, s.certs)
	return out
}

// Count returns the number of anchors.
func (ts *TrustStore) Count() int {
	return len(ts.snap().certs)
}

// Contains reports whether cert itself is an anchor.
func (ts *TrustStore) Contains(cert *x509.Certificate) bool {
	_, ok := ts.snap().byPrint[CertificateFingerprint(cert)]
	return ok
}

// RetrieveByName returns the anchors whose subject equals name.
func (ts *TrustStore) RetrieveByName(name pkix.Name) []*x509.Certificate {
	return ts.snap().subjectMap[subjectHashKey(name)]
}

// RetrieveByKeyIdentifier returns the anchors with the given subject key identifier.
func (ts *TrustStore) RetrieveByKeyIdentifier(keyID []byte) []*x509.Certificate {
	return ts.snap().keyIDMap[string(keyID)]
}

// FindIssuers returns the anchors whose subject matches cert's issuer name.
func (ts *TrustStore) FindIssuers(cert *x509.Certificate) []*x509.Certificate {
	return ts.RetrieveByName(cert.Issuer)
}

// CertPool returns the anchors as an x509.CertPool.
func (ts *TrustStore) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range ts.snap().certs {
		pool.AddCert(c)
	}
	return pool
}
