// Package linkcert validates ICAO Link Certificates, which bridge an outgoing
// CSCA key to its successor during key rollover.
//
// Validation runs as an ordered sequence of stages. The first failing stage
// ends the run; later stages are not attempted and their verdict fields keep
// their zero values.
//
//  1. locate the old CSCA by the Link Certificate's issuer DN
//  2. verify the Link Certificate with the old CSCA's key
//  3. locate the new CSCA by issuer DN == Link Certificate subject DN
//  4. verify the new CSCA with the Link Certificate's key
//  5. validity period and CA extensions of the Link Certificate
//  6. revocation of the Link Certificate
package linkcert

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
)

// ErrNilCSCAProvider is wrapped by the ConfigurationError returned when no
// CSCA provider is configured.
var ErrNilCSCAProvider = errors.New("CSCA provider is nil")

// CSCAProvider looks up CSCA certificates by distinguished name. Both
// methods return nil bytes when nothing matches.
type CSCAProvider interface {
	FindBySubjectDN(ctx context.Context, dn string) ([]byte, error)
	FindByIssuerDN(ctx context.Context, dn string) ([]byte, error)
}

// Stage identifies a step of Link Certificate validation.
type Stage int

const (
	StageNone Stage = iota
	StageLocateOldCSCA
	StageOldCSCASignature
	StageLocateNewCSCA
	StageNewCSCASignature
	StageValidityAndExtensions
	StageRevocation
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageLocateOldCSCA:
		return "locate-old-csca"
	case StageOldCSCASignature:
		return "old-csca-signature"
	case StageLocateNewCSCA:
		return "locate-new-csca"
	case StageNewCSCASignature:
		return "new-csca-signature"
	case StageValidityAndExtensions:
		return "validity-and-extensions"
	case StageRevocation:
		return "revocation"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Verdict is the outcome of Link Certificate validation.
type Verdict struct {
	LinkCertificate       string           `json:"linkCertificate"`
	OldCSCASubject        string           `json:"oldCscaSubject,omitempty"`
	NewCSCASubject        string           `json:"newCscaSubject,omitempty"`
	OldCSCASignatureValid bool             `json:"oldCscaSignatureValid"`
	NewCSCASignatureValid bool             `json:"newCscaSignatureValid"`
	ValidityPeriodValid   bool             `json:"validityPeriodValid"`
	ExtensionsValid       bool             `json:"extensionsValid"`
	Revocation            *revinfo.Verdict `json:"revocation,omitempty"`
	TrustChainValid       bool             `json:"trustChainValid"`
	FailedStage           Stage            `json:"failedStage,omitempty"`
	Message               string           `json:"message"`
	ValidatedAt           time.Time        `json:"validatedAt"`
	Duration              time.Duration    `json:"durationNs"`
}

func (v *Verdict) fail(stage Stage, format string, args ...interface{}) {
	v.FailedStage = stage
	v.Message = fmt.Sprintf(format, args...)
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the clock used for validity checks and durations.
func WithClock(clock clockwork.Clock) Option {
	return func(v *Validator) { v.clock = clock }
}

// WithUnknownRevocationBlocking makes an UNKNOWN revocation status fail the
// trust chain. By default only REVOKED does.
func WithUnknownRevocationBlocking(blocking bool) Option {
	return func(v *Validator) { v.unknownIsBlocking = blocking }
}

// Validator validates Link Certificates against the known CSCA population.
type Validator struct {
	cscas             CSCAProvider
	revocation        *revinfo.Checker
	clock             clockwork.Clock
	unknownIsBlocking bool
}

// NewValidator creates a Validator. checker performs the final revocation
// stage.
func NewValidator(cscas CSCAProvider, checker *revinfo.Checker, opts ...Option) *Validator {
	v := &Validator{cscas: cscas, revocation: checker, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateDER parses der and validates it as a Link Certificate. Undecodable
// input yields a failed verdict rather than an error.
func (v *Validator) ValidateDER(ctx context.Context, der []byte) (*Verdict, error) {
	if len(der) == 0 {
		return nil, certvalidator.NewConfigurationError("validate link certificate", certvalidator.ErrEmptyCertificate)
	}
	lc, err := x509.ParseCertificate(der)
	if err != nil {
		return &Verdict{
			Message:     certvalidator.NewParseError("failed to parse link certificate", err).Error(),
			FailedStage: StageNone,
			ValidatedAt: v.clock.Now().UTC(),
		}, nil
	}
	return v.Validate(ctx, lc)
}

// Validate runs all stages for lc.
func (v *Validator) Validate(ctx context.Context, lc *x509.Certificate) (*Verdict, error) {
	if lc == nil {
		return nil, certvalidator.NewConfigurationError("validate link certificate", certvalidator.ErrNilCertificate)
	}
	if v.cscas == nil {
		return nil, certvalidator.NewConfigurationError("validate link certificate", ErrNilCSCAProvider)
	}
	if v.revocation == nil {
		return nil, certvalidator.NewConfigurationError("validate link certificate", revinfo.ErrNilProvider)
	}

	start := v.clock.Now()
	verdict := &Verdict{
		LinkCertificate: lc.Subject.String(),
		ValidatedAt:     start.UTC(),
	}
	defer func() {
		verdict.Duration = v.clock.Since(start)
	}()

	if err := v.run(ctx, lc, start, verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

func (v *Validator) run(ctx context.Context, lc *x509.Certificate, now time.Time, verdict *Verdict) error {
	sigs := certvalidator.NewValidator(v.clock)

	issuerDN := lc.Issuer.String()
	oldCSCA, err := v.lookup(ctx, v.cscas.FindBySubjectDN, issuerDN)
	if err != nil {
		verdict.fail(StageLocateOldCSCA, "old CSCA not found for issuer %q: %v", issuerDN, err)
		return nil
	}
	verdict.OldCSCASubject = oldCSCA.Subject.String()

	if err := sigs.VerifySignature(lc, oldCSCA.PublicKey); err != nil {
		verdict.fail(StageOldCSCASignature, "link certificate signature does not verify with old CSCA %q: %v", verdict.OldCSCASubject, err)
		return nil
	}
	verdict.OldCSCASignatureValid = true

	subjectDN := lc.Subject.String()
	newCSCA, err := v.lookup(ctx, v.cscas.FindByIssuerDN, subjectDN)
	if err != nil {
		verdict.fail(StageLocateNewCSCA, "new CSCA issued by %q not found: %v", subjectDN, err)
		return nil
	}
	verdict.NewCSCASubject = newCSCA.Subject.String()

	if err := sigs.VerifySignature(newCSCA, lc.PublicKey); err != nil {
		verdict.fail(StageNewCSCASignature, "new CSCA %q signature does not verify with link certificate key: %v", verdict.NewCSCASubject, err)
		return nil
	}
	verdict.NewCSCASignatureValid = true

	verdict.ValidityPeriodValid = certvalidator.IsWithinValidity(lc, now)
	problems := extensionProblems(lc)
	verdict.ExtensionsValid = len(problems) == 0
	if !verdict.ValidityPeriodValid || !verdict.ExtensionsValid {
		if !verdict.ValidityPeriodValid {
			problems = append([]string{fmt.Sprintf("outside validity period %s to %s",
				lc.NotBefore.UTC().Format(time.RFC3339), lc.NotAfter.UTC().Format(time.RFC3339))}, problems...)
		}
		verdict.fail(StageValidityAndExtensions, "link certificate rejected: %s", strings.Join(problems, "; "))
		return nil
	}

	rev, err := v.revocation.CheckCertificate(ctx, lc)
	if err != nil {
		return err
	}
	verdict.Revocation = rev
	if rev.Blocking(v.unknownIsBlocking) {
		if rev.Status == revinfo.StatusRevoked {
			verdict.fail(StageRevocation, "link certificate revoked (%s)", rev.Reason)
		} else {
			verdict.fail(StageRevocation, "link certificate revocation status unknown: %s", rev.Cause)
		}
		return nil
	}

	verdict.TrustChainValid = true
	verdict.Message = "link certificate trust chain is valid"
	if rev.Status == revinfo.StatusUnknown {
		verdict.Message += " (revocation status unknown: " + rev.Cause + ")"
	}
	return nil
}

type lookupFunc func(ctx context.Context, dn string) ([]byte, error)

func (v *Validator) lookup(ctx context.Context, find lookupFunc, dn string) (*x509.Certificate, error) {
	der, err := find(ctx, dn)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	if len(der) == 0 {
		return nil, errors.New("no matching certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, certvalidator.NewParseError("stored certificate is unreadable", err)
	}
	return cert, nil
}

func extensionProblems(lc *x509.Certificate) []string {
	var problems []string
	if !lc.BasicConstraintsValid || !lc.IsCA {
		problems = append(problems, "basic constraints do not mark a CA")
	}
	if lc.KeyUsage&x509.KeyUsageCertSign == 0 {
		problems = append(problems, "key usage lacks keyCertSign")
	}
	if lc.KeyUsage&x509.KeyUsageCRLSign == 0 {
		problems = append(problems, "key usage lacks cRLSign")
	}
	if len(lc.SubjectKeyId) == 0 {
		problems = append(problems, "subject key identifier missing")
	}
	if len(lc.AuthorityKeyId) == 0 {
		problems = append(problems, "authority key identifier missing")
	}
	return problems
}
