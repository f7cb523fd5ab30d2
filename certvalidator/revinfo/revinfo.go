// Package revinfo provides CRL based revocation checking for PKD certificates.
package revinfo

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopkd/certvalidator"
)

// Common errors
var (
	ErrNoCRL        = errors.New("no CRL available")
	ErrCRLParse     = errors.New("CRL parse failure")
	ErrInvalidInput = errors.New("invalid serial number")
	ErrNilProvider  = errors.New("CRL provider is nil")
)

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// ReasonFromCode maps a CRLReason code to the enum. Code 7 is unassigned and,
// like any out-of-range value, maps to ReasonUnspecified.
func ReasonFromCode(code int) RevocationReason {
	switch r := RevocationReason(code); r {
	case ReasonKeyCompromise, ReasonCACompromise, ReasonAffiliationChanged,
		ReasonSuperseded, ReasonCessationOfOperation, ReasonCertificateHold,
		ReasonRemoveFromCRL, ReasonPrivilegeWithdrawn, ReasonAACompromise:
		return r
	default:
		return ReasonUnspecified
	}
}

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RevocationReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RevocationStatus represents the revocation status of a certificate.
type RevocationStatus int

const (
	StatusUnknown RevocationStatus = iota
	StatusGood
	StatusRevoked
)

// String returns the string representation of a revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RevocationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RevokedEntry is one revoked certificate listed by a CRL.
type RevokedEntry struct {
	Serial         *big.Int
	RevocationTime time.Time
	Reason         RevocationReason
}

// CRL is a decoded certificate revocation list.
type CRL struct {
	Issuer     string
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []RevokedEntry
	Raw        []byte
	List       *x509.RevocationList
}

var pemCRLHeader = []byte("-----BEGIN X509 CRL-----")

// ParseCRL decodes a DER or PEM ("X509 CRL") encoded CRL.
func ParseCRL(data []byte) (*CRL, error) {
	der := data
	if bytes.Contains(data, pemCRLHeader) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: invalid PEM block", ErrCRLParse)
		}
		der = block.Bytes
	}

	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParse, err)
	}

	crl := &CRL{
		Issuer:     list.Issuer.String(),
		ThisUpdate: list.ThisUpdate.UTC(),
		NextUpdate: list.NextUpdate.UTC(),
		Entries:    make([]RevokedEntry, 0, len(list.RevokedCertificateEntries)),
		Raw:        der,
		List:       list,
	}
	for _, e := range list.RevokedCertificateEntries {
		crl.Entries = append(crl.Entries, RevokedEntry{
			Serial:         e.SerialNumber,
			RevocationTime: e.RevocationTime.UTC(),
			Reason:         ReasonFromCode(e.ReasonCode),
		})
	}
	return crl, nil
}

// Find returns the entry revoking serial, or nil.
func (c *CRL) Find(serial *big.Int) *RevokedEntry {
	for i := range c.Entries {
		if c.Entries[i].Serial != nil && c.Entries[i].Serial.Cmp(serial) == 0 {
			return &c.Entries[i]
		}
	}
	return nil
}

// IsExpired reports whether at is past the CRL's nextUpdate. A CRL without
// nextUpdate never expires.
func (c *CRL) IsExpired(at time.Time) bool {
	return !c.NextUpdate.IsZero() && at.After(c.NextUpdate)
}

// CRLRecord is a stored CRL as returned by a CRLProvider.
type CRLRecord struct {
	ID         string
	IssuerDN   string
	ThisUpdate time.Time
	NextUpdate time.Time
	Raw        []byte
}

// CRLProvider looks up revocation lists. LatestCRL returns the CRL with the
// highest thisUpdate for issuerDN, or nil when none is known.
type CRLProvider interface {
	LatestCRL(ctx context.Context, issuerDN string) (*CRLRecord, error)
}

// CRLProviderFunc adapts a function to CRLProvider.
type CRLProviderFunc func(ctx context.Context, issuerDN string) (*CRLRecord, error)

// LatestCRL calls f.
func (f CRLProviderFunc) LatestCRL(ctx context.Context, issuerDN string) (*CRLRecord, error) {
	return f(ctx, issuerDN)
}

// CertificateIdentity names the certificate whose revocation is checked.
type CertificateIdentity struct {
	ID          string
	Type        certvalidator.CertificateType
	SerialHex   string
	Fingerprint string
	IssuerDN    string
}

// IdentityOf builds a CertificateIdentity from a parsed certificate.
func IdentityOf(cert *x509.Certificate) CertificateIdentity {
	c := certvalidator.Classify(cert)
	return CertificateIdentity{
		ID:          c.Fingerprint,
		Type:        c.Type,
		SerialHex:   certvalidator.SerialHex(cert.SerialNumber),
		Fingerprint: c.Fingerprint,
		IssuerDN:    cert.Issuer.String(),
	}
}

// Verdict is the outcome of a revocation check, together with the CRL
// metadata it was based on.
type Verdict struct {
	Status          RevocationStatus              `json:"status"`
	Reason          RevocationReason              `json:"reason,omitempty"`
	RevocationTime  *time.Time                    `json:"revocationTime,omitempty"`
	Cause           string                        `json:"cause,omitempty"`
	CertificateID   string                        `json:"certificateId,omitempty"`
	CertificateType certvalidator.CertificateType `json:"certificateType"`
	SerialHex       string                        `json:"serial"`
	Fingerprint     string                        `json:"fingerprint,omitempty"`
	IssuerDN        string                        `json:"issuerDn"`
	CRLID           string                        `json:"crlId,omitempty"`
	CRLIssuer       string                        `json:"crlIssuer,omitempty"`
	ThisUpdate      *time.Time                    `json:"thisUpdate,omitempty"`
	NextUpdate      *time.Time                    `json:"nextUpdate,omitempty"`
	CheckedAt       time.Time                     `json:"checkedAt"`
	Duration        time.Duration                 `json:"durationNs"`
}

// Blocking reports whether the verdict should fail a trust decision.
// REVOKED always blocks; UNKNOWN blocks only when unknownIsBlocking is set.
func (v *Verdict) Blocking(unknownIsBlocking bool) bool {
	switch v.Status {
	case StatusRevoked:
		return true
	case StatusUnknown:
		return unknownIsBlocking
	default:
		return false
	}
}

// AuditSink receives every verdict produced by a Checker. Implementations
// must not block for long; a panic inside a sink is recovered.
type AuditSink interface {
	RecordRevocationCheck(ctx context.Context, verdict *Verdict)
}

// Option configures a Checker.
type Option func(*Checker)

// WithAuditSink sets the sink receiving verdicts.
func WithAuditSink(sink AuditSink) Option {
	return func(c *Checker) { c.audit = sink }
}

// WithClock sets the clock used for "now" and durations.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// Checker determines revocation status from the newest CRL of an issuer.
type Checker struct {
	provider CRLProvider
	audit    AuditSink
	clock    clockwork.Clock
}

// NewChecker creates a Checker backed by provider.
func NewChecker(provider CRLProvider, opts ...Option) *Checker {
	c := &Checker{provider: provider, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckRevocation looks up the newest CRL for id.IssuerDN and searches it
// for id.SerialHex. Lookup and decode failures yield StatusUnknown; the only
// error returned is a ConfigurationError for a checker without provider.
func (c *Checker) CheckRevocation(ctx context.Context, id CertificateIdentity) (*Verdict, error) {
	if c == nil || c.provider == nil {
		return nil, certvalidator.NewConfigurationError("check revocation", ErrNilProvider)
	}

	start := c.clock.Now()
	verdict := &Verdict{
		CertificateID:   id.ID,
		CertificateType: id.Type,
		SerialHex:       id.SerialHex,
		Fingerprint:     id.Fingerprint,
		IssuerDN:        id.IssuerDN,
		CheckedAt:       start.UTC(),
	}

	c.evaluate(ctx, id, verdict)

	verdict.Duration = c.clock.Since(start)
	c.report(ctx, verdict)
	return verdict, nil
}

// CheckCertificate is CheckRevocation for a parsed certificate.
func (c *Checker) CheckCertificate(ctx context.Context, cert *x509.Certificate) (*Verdict, error) {
	if cert == nil {
		return nil, certvalidator.NewConfigurationError("check revocation", certvalidator.ErrNilCertificate)
	}
	return c.CheckRevocation(ctx, IdentityOf(cert))
}

func (c *Checker) evaluate(ctx context.Context, id CertificateIdentity, verdict *Verdict) {
	record, err := c.provider.LatestCRL(ctx, id.IssuerDN)
	if err != nil {
		verdict.Status = StatusUnknown
		verdict.Cause = fmt.Sprintf("CRL lookup failed: %v", err)
		return
	}
	if record == nil || len(record.Raw) == 0 {
		verdict.Status = StatusUnknown
		verdict.Cause = ErrNoCRL.Error()
		return
	}
	verdict.CRLID = record.ID

	crl, err := ParseCRL(record.Raw)
	if err != nil {
		verdict.Status = StatusUnknown
		verdict.Cause = err.Error()
		return
	}
	verdict.CRLIssuer = crl.Issuer
	thisUpdate := crl.ThisUpdate
	verdict.ThisUpdate = &thisUpdate
	if !crl.NextUpdate.IsZero() {
		nextUpdate := crl.NextUpdate
		verdict.NextUpdate = &nextUpdate
	}

	if len(crl.Entries) == 0 {
		verdict.Status = StatusGood
		return
	}

	serial, err := certvalidator.ParseSerialHex(id.SerialHex)
	if err != nil {
		verdict.Status = StatusUnknown
		verdict.Cause = fmt.Sprintf("%v: %v", ErrInvalidInput, err)
		return
	}

	if entry := crl.Find(serial); entry != nil {
		revokedAt := entry.RevocationTime
		verdict.Status = StatusRevoked
		verdict.Reason = entry.Reason
		verdict.RevocationTime = &revokedAt
		return
	}
	verdict.Status = StatusGood
}

func (c *Checker) report(ctx context.Context, verdict *Verdict) {
	if c.audit == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	c.audit.RecordRevocationCheck(ctx, verdict)
}

// IsCRLExpired reports whether the newest CRL for issuerDN is past its
// nextUpdate. A missing or unreadable CRL counts as expired.
func (c *Checker) IsCRLExpired(ctx context.Context, issuerDN string) bool {
	if c == nil || c.provider == nil {
		return true
	}
	record, err := c.provider.LatestCRL(ctx, issuerDN)
	if err != nil || record == nil {
		return true
	}

	nextUpdate := record.NextUpdate
	if nextUpdate.IsZero() {
		crl, err := ParseCRL(record.Raw)
		if err != nil {
			return true
		}
		nextUpdate = crl.NextUpdate
	}
	return !nextUpdate.IsZero() && c.clock.Now().After(nextUpdate)
}
