// Package pkdtest builds throw-away ICAO PKI hierarchies for tests: CSCAs,
// Link Certificates, Document Signers, list signers and CRLs.
package pkdtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

// ICAO extended key usages, duplicated here to keep this package free of
// project imports.
var (
	oidMasterListSigner    = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 3}
	oidDeviationListSigner = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 8}
)

var serialCounter int64 = 0x1000

// Identity is a certificate together with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	DER  []byte
}

// PEM returns the certificate as a PEM block.
func (id *Identity) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.DER})
}

// Option adjusts a certificate template before it is signed.
type Option func(*certOptions)

type certOptions struct {
	tmpl   *x509.Certificate
	key    crypto.Signer
	rsaKey bool
}

// WithValidity overrides the validity period.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(s *certOptions) {
		s.tmpl.NotBefore = notBefore
		s.tmpl.NotAfter = notAfter
	}
}

// WithSerial overrides the serial number.
func WithSerial(serial *big.Int) Option {
	return func(s *certOptions) { s.tmpl.SerialNumber = serial }
}

// WithKeyUsage overrides the key usage bits.
func WithKeyUsage(ku x509.KeyUsage) Option {
	return func(s *certOptions) { s.tmpl.KeyUsage = ku }
}

// WithoutCA clears the CA basic constraint.
func WithoutCA() Option {
	return func(s *certOptions) {
		s.tmpl.IsCA = false
		s.tmpl.MaxPathLen = 0
		s.tmpl.MaxPathLenZero = false
	}
}

// WithSubjectKeyID sets an explicit subject key identifier.
func WithSubjectKeyID(ski []byte) Option {
	return func(s *certOptions) { s.tmpl.SubjectKeyId = ski }
}

// WithCRLDistributionPoints sets CRL distribution point URLs.
func WithCRLDistributionPoints(urls ...string) Option {
	return func(s *certOptions) { s.tmpl.CRLDistributionPoints = urls }
}

// WithRSAKey makes the certificate carry a 2048-bit RSA key instead of P-256.
func WithRSAKey() Option {
	return func(s *certOptions) { s.rsaKey = true }
}

// WithKey uses an existing key pair for the certificate.
func WithKey(key crypto.Signer) Option {
	return func(s *certOptions) { s.key = key }
}

// Name returns a country-scoped distinguished name.
func Name(country, commonName string) pkix.Name {
	return pkix.Name{
		Country:      []string{country},
		Organization: []string{"Passport Office"},
		CommonName:   commonName,
	}
}

func newCertOptions(subject pkix.Name) *certOptions {
	now := time.Now()
	return &certOptions{tmpl: &x509.Certificate{
		SerialNumber: big.NewInt(atomic.AddInt64(&serialCounter, 1)),
		Subject:      subject,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
	}}
}

func (s *certOptions) signer(t testing.TB) crypto.Signer {
	t.Helper()
	if s.key != nil {
		return s.key
	}
	var (
		key crypto.Signer
		err error
	)
	if s.rsaKey {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func issue(t testing.TB, s *certOptions, parent *Identity) *Identity {
	t.Helper()
	key := s.signer(t)

	parentCert, parentKey := s.tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, s.tmpl, parentCert, key.Public(), parentKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return &Identity{Cert: cert, Key: key, DER: der}
}

// CSCA creates a self-signed Country Signing CA.
func CSCA(t testing.TB, country, commonName string, opts ...Option) *Identity {
	t.Helper()
	s := newCertOptions(Name(country, commonName))
	s.tmpl.IsCA = true
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.MaxPathLenZero = true
	s.tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	for _, opt := range opts {
		opt(s)
	}
	return issue(t, s, nil)
}

// LinkCert creates a Link Certificate carrying newCSCA's subject and public
// key, signed by oldCSCA.
func LinkCert(t testing.TB, oldCSCA, newCSCA *Identity, opts ...Option) *Identity {
	t.Helper()
	s := newCertOptions(newCSCA.Cert.Subject)
	s.tmpl.RawSubject = newCSCA.Cert.RawSubject
	s.tmpl.IsCA = true
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.MaxPathLenZero = true
	s.tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	s.key = newCSCA.Key
	for _, opt := range opts {
		opt(s)
	}
	return issue(t, s, oldCSCA)
}

// DSC creates a Document Signer issued by csca.
func DSC(t testing.TB, csca *Identity, commonName string, opts ...Option) *Identity {
	t.Helper()
	s := newCertOptions(Name(csca.Cert.Subject.Country[0], commonName))
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	for _, opt := range opts {
		opt(s)
	}
	return issue(t, s, csca)
}

// MasterListSigner creates a certificate carrying the Master List signer EKU.
func MasterListSigner(t testing.TB, csca *Identity, opts ...Option) *Identity {
	t.Helper()
	s := newCertOptions(Name(csca.Cert.Subject.Country[0], "Master List Signer"))
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	s.tmpl.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidMasterListSigner}
	for _, opt := range opts {
		opt(s)
	}
	return issue(t, s, csca)
}

// DeviationListSigner creates a certificate carrying the Deviation List
// signer EKU.
func DeviationListSigner(t testing.TB, csca *Identity, opts ...Option) *Identity {
	t.Helper()
	s := newCertOptions(Name(csca.Cert.Subject.Country[0], "Deviation List Signer"))
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	s.tmpl.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidDeviationListSigner}
	for _, opt := range opts {
		opt(s)
	}
	return issue(t, s, csca)
}

// Revoked describes one CRL entry.
type Revoked struct {
	Serial *big.Int
	At     time.Time
	Reason int
}

// CRL creates a DER encoded CRL signed by issuer.
func CRL(t testing.TB, issuer *Identity, thisUpdate, nextUpdate time.Time, revoked ...Revoked) []byte {
	t.Helper()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		at := r.At
		if at.IsZero() {
			at = thisUpdate
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   r.Serial,
			RevocationTime: at,
			ReasonCode:     r.Reason,
		})
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(atomic.AddInt64(&serialCounter, 1)),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer.Cert, issuer.Key)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	return der
}

// HexSerial parses a hex string into a serial number, failing the test on
// malformed input.
func HexSerial(t testing.TB, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		t.Fatalf("Invalid hex serial %q", s)
	}
	return n
}
