// Package trust exposes the PKD trust operations as one Service, the seam
// at which logging and instrumentation middlewares are applied.
package trust

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/linkcert"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/format"
	"github.com/georgepadayatti/gopkd/icao/deviation"
	"github.com/georgepadayatti/gopkd/icao/masterlist"
	"github.com/georgepadayatti/gopkd/icao/sod"
	"github.com/georgepadayatti/gopkd/store"
)

// ErrNilProvider is wrapped by the ConfigurationError returned by
// NewService without a provider.
var ErrNilProvider = errors.New("store provider is nil")

// ErrIssuerAndChain is returned when both an issuer and a chain are passed
// to ValidateCertificate.
var ErrIssuerAndChain = errors.New("issuer and chain are mutually exclusive")

// Service is the set of operations offered to PKD clients.
type Service interface {
	DetectFormat(ctx context.Context, filename string, content []byte) format.Format
	ParseCertificates(ctx context.Context, data []byte, f format.Format) *certs.ParseResult
	Classify(ctx context.Context, cert *x509.Certificate) certvalidator.Classification
	// ValidateCertificate validates cert against itself, issuer or chain,
	// whichever is given.
	ValidateCertificate(ctx context.Context, cert, issuer *x509.Certificate, chain []*x509.Certificate) (*certvalidator.ValidationResult, error)
	CheckRevocation(ctx context.Context, id revinfo.CertificateIdentity) (*revinfo.Verdict, error)
	IsCRLExpired(ctx context.Context, issuerDN string) bool
	ValidateLinkCertificate(ctx context.Context, der []byte) (*linkcert.Verdict, error)
	ParseSOD(ctx context.Context, data []byte) (*sod.Data, error)
	VerifySODSignature(ctx context.Context, data []byte, dsc *x509.Certificate) (*sod.SignatureVerdict, error)
	ParseDeviationList(ctx context.Context, data []byte) (*deviation.List, error)
	ParseMasterList(ctx context.Context, data []byte) (*masterlist.MasterList, error)
}

// Option configures the Service built by NewService.
type Option func(*options)

type options struct {
	clock             clockwork.Clock
	audit             revinfo.AuditSink
	unknownIsBlocking bool
}

// WithClock sets the clock shared by all validators.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithAuditSink sets the sink receiving revocation verdicts.
func WithAuditSink(sink revinfo.AuditSink) Option {
	return func(o *options) { o.audit = sink }
}

// WithUnknownRevocationBlocking makes UNKNOWN revocation fail Link
// Certificate validation.
func WithUnknownRevocationBlocking(blocking bool) Option {
	return func(o *options) { o.unknownIsBlocking = blocking }
}

type pkdService struct {
	validator *certvalidator.Validator
	checker   *revinfo.Checker
	links     *linkcert.Validator
}

// NewService wires the validators to provider.
func NewService(provider store.Provider, opts ...Option) (Service, error) {
	if provider == nil {
		return nil, certvalidator.NewConfigurationError("new trust service", ErrNilProvider)
	}
	o := &options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}

	checkerOpts := []revinfo.Option{revinfo.WithClock(o.clock)}
	if o.audit != nil {
		checkerOpts = append(checkerOpts, revinfo.WithAuditSink(o.audit))
	}
	checker := revinfo.NewChecker(provider, checkerOpts...)

	return &pkdService{
		validator: certvalidator.NewValidator(o.clock),
		checker:   checker,
		links: linkcert.NewValidator(provider, checker,
			linkcert.WithClock(o.clock),
			linkcert.WithUnknownRevocationBlocking(o.unknownIsBlocking)),
	}, nil
}

func (s *pkdService) DetectFormat(_ context.Context, filename string, content []byte) format.Format {
	return format.Detect(filename, content)
}

func (s *pkdService) ParseCertificates(_ context.Context, data []byte, f format.Format) *certs.ParseResult {
	return certs.ParseCertificates(data, f)
}

func (s *pkdService) Classify(_ context.Context, cert *x509.Certificate) certvalidator.Classification {
	return certvalidator.Classify(cert)
}

func (s *pkdService) ValidateCertificate(_ context.Context, cert, issuer *x509.Certificate, chain []*x509.Certificate) (*certvalidator.ValidationResult, error) {
	switch {
	case issuer != nil && len(chain) > 0:
		return nil, certvalidator.NewConfigurationError("validate certificate", ErrIssuerAndChain)
	case len(chain) > 0:
		return s.validator.ValidateWithChain(cert, chain)
	case issuer != nil:
		return s.validator.ValidateWithIssuer(cert, issuer)
	default:
		return s.validator.Validate(cert)
	}
}

func (s *pkdService) CheckRevocation(ctx context.Context, id revinfo.CertificateIdentity) (*revinfo.Verdict, error) {
	return s.checker.CheckRevocation(ctx, id)
}

func (s *pkdService) IsCRLExpired(ctx context.Context, issuerDN string) bool {
	return s.checker.IsCRLExpired(ctx, issuerDN)
}

func (s *pkdService) ValidateLinkCertificate(ctx context.Context, der []byte) (*linkcert.Verdict, error) {
	return s.links.ValidateDER(ctx, der)
}

func (s *pkdService) ParseSOD(_ context.Context, data []byte) (*sod.Data, error) {
	return sod.Parse(data)
}

func (s *pkdService) VerifySODSignature(_ context.Context, data []byte, dsc *x509.Certificate) (*sod.SignatureVerdict, error) {
	return sod.VerifySignature(data, dsc)
}

func (s *pkdService) ParseDeviationList(_ context.Context, data []byte) (*deviation.List, error) {
	return deviation.Parse(data)
}

func (s *pkdService) ParseMasterList(_ context.Context, data []byte) (*masterlist.MasterList, error) {
	return masterlist.Parse(data)
}
