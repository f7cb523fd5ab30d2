// Package memory is a thread-safe in-memory CSCA and CRL store.
package memory

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/kit/log"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps CSCAs indexed by normalised subject and issuer DN and CRLs by
// normalised issuer DN.
type Store struct {
	mu        sync.RWMutex
	bySubject map[string][]*x509.Certificate
	byIssuer  map[string][]*x509.Certificate
	seen      map[string]bool
	crls      map[string][]*revinfo.CRLRecord
	logger    log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used while loading directories.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		bySubject: map[string][]*x509.Certificate{},
		byIssuer:  map[string][]*x509.Certificate{},
		seen:      map[string]bool{},
		crls:      map[string][]*revinfo.CRLRecord{},
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// AddCSCA stores cert. Certificates that are not self-signed CSCAs are
// rejected with store.ErrNotCSCA; duplicates are ignored.
func (s *Store) AddCSCA(_ context.Context, cert *x509.Certificate) error {
	if cert == nil {
		return certvalidator.NewConfigurationError("add CSCA", certvalidator.ErrNilCertificate)
	}
	if c := certvalidator.Classify(cert); c.Type != certvalidator.TypeCSCA {
		return fmt.Errorf("%w: %s is %s", store.ErrNotCSCA, cert.Subject, c.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fp := fingerprint(cert.Raw)
	if s.seen[fp] {
		return nil
	}
	s.seen[fp] = true
	insertByNotBefore(s.bySubject, store.NormalizeDN(cert.Subject.String()), cert)
	insertByNotBefore(s.byIssuer, store.NormalizeDN(cert.Issuer.String()), cert)
	return nil
}

// insertByNotBefore keeps each bucket ordered newest first.
func insertByNotBefore(index map[string][]*x509.Certificate, key string, cert *x509.Certificate) {
	bucket := append(index[key], cert)
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].NotBefore.After(bucket[j].NotBefore)
	})
	index[key] = bucket
}

// AddCRL parses and stores a DER or PEM CRL. The record ID is the SHA-256
// fingerprint of the DER encoding; adding the same CRL twice returns the
// existing record.
func (s *Store) AddCRL(_ context.Context, der []byte) (*revinfo.CRLRecord, error) {
	crl, err := revinfo.ParseCRL(der)
	if err != nil {
		return nil, err
	}
	record := &revinfo.CRLRecord{
		ID:         fingerprint(crl.Raw),
		IssuerDN:   crl.Issuer,
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
		Raw:        crl.Raw,
	}

	key := store.NormalizeDN(crl.Issuer)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.crls[key] {
		if existing.ID == record.ID {
			return existing, nil
		}
	}
	bucket := append(s.crls[key], record)
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].ThisUpdate.After(bucket[j].ThisUpdate)
	})
	s.crls[key] = bucket
	return record, nil
}

// FindBySubjectDN returns the DER encoding of the newest CSCA whose subject
// matches dn, or nil.
func (s *Store) FindBySubjectDN(_ context.Context, dn string) ([]byte, error) {
	return s.find(s.bySubject, dn), nil
}

// FindByIssuerDN returns the DER encoding of the newest CSCA whose issuer
// matches dn, or nil.
func (s *Store) FindByIssuerDN(_ context.Context, dn string) ([]byte, error) {
	return s.find(s.byIssuer, dn), nil
}

func (s *Store) find(index map[string][]*x509.Certificate, dn string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := index[store.NormalizeDN(dn)]
	if len(bucket) == 0 {
		return nil
	}
	return append([]byte(nil), bucket[0].Raw...)
}

// LatestCRL returns the CRL with the highest thisUpdate for issuerDN, or nil.
func (s *Store) LatestCRL(_ context.Context, issuerDN string) (*revinfo.CRLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.crls[store.NormalizeDN(issuerDN)]
	if len(bucket) == 0 {
		return nil, nil
	}
	record := *bucket[0]
	return &record, nil
}

// CSCAs returns every stored CSCA ordered by subject DN, newest first
// within a DN.
func (s *Store) CSCAs() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.bySubject))
	for k := range s.bySubject {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*x509.Certificate
	for _, k := range keys {
		out = append(out, s.bySubject[k]...)
	}
	return out
}

// Counts returns the number of stored CSCAs and CRLs.
func (s *Store) Counts() (cscas, crls int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.crls {
		crls += len(b)
	}
	return len(s.seen), crls
}

// LoadFile stores every CSCA and CRL found in path.
func (s *Store) LoadFile(ctx context.Context, path string) (store.LoadReport, error) {
	return store.LoadFile(ctx, s, path, s.logger)
}

// LoadDir stores every CSCA and CRL found below dir.
func (s *Store) LoadDir(ctx context.Context, dir string) (store.LoadReport, error) {
	return store.LoadDir(ctx, s, dir, s.logger)
}
