package certvalidator

import (
	"crypto"
	"crypto/x509"
	"time"

	"github.com/jonboulle/clockwork"
)

// ValidationStatus is the overall outcome of a certificate validation.
type ValidationStatus int

const (
	StatusValid ValidationStatus = iota
	StatusExpired
	StatusNotYetValid
	StatusInvalidSignature
)

// String returns the string representation of the validation status.
func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusExpired:
		return "EXPIRED"
	case StatusNotYetValid:
		return "NOT_YET_VALID"
	case StatusInvalidSignature:
		return "INVALID_SIGNATURE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ValidationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ValidationResult contains the result of certificate validation. Steps
// after the first failing one are not run and keep their zero values.
type ValidationResult struct {
	Status          ValidationStatus `json:"status"`
	Valid           bool             `json:"valid"`
	ExpirationValid bool             `json:"expirationValid"`
	SignatureValid  bool             `json:"signatureValid"`
	PurposeValid    bool             `json:"purposeValid"`
	KeyUsage        []string         `json:"keyUsage,omitempty"`
	ExtKeyUsage     []string         `json:"extKeyUsage,omitempty"`
	TrustChainPath  []string         `json:"trustChainPath,omitempty"`
	TrustChainDepth int              `json:"trustChainDepth"`
	Message         string           `json:"message,omitempty"`
	Error           error            `json:"-"`
	ValidatedAt     time.Time        `json:"validatedAt"`
}

// Validator checks validity period, signature and purpose of a single
// certificate.
type Validator struct {
	clock clockwork.Clock
	sig   SignatureValidator
}

// NewValidator creates a validator reading the current time from clock.
// A nil clock uses the wall clock.
func NewValidator(clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{clock: clock, sig: NewDefaultSignatureValidator()}
}

// Clock returns the clock the validator reads "now" from.
func (v *Validator) Clock() clockwork.Clock {
	return v.clock
}

// Validate checks cert against its own public key, which only succeeds for
// self-signed certificates.
func (v *Validator) Validate(cert *x509.Certificate) (*ValidationResult, error) {
	if cert == nil {
		return nil, NewConfigurationError("validate", ErrNilCertificate)
	}
	return v.validate(cert, cert.PublicKey, nil), nil
}

// ValidateWithIssuer checks cert against the public key of issuer.
func (v *Validator) ValidateWithIssuer(cert, issuer *x509.Certificate) (*ValidationResult, error) {
	if cert == nil {
		return nil, NewConfigurationError("validate with issuer", ErrNilCertificate)
	}
	if issuer == nil {
		return nil, NewConfigurationError("validate with issuer: issuer", ErrNilCertificate)
	}
	return v.validate(cert, issuer.PublicKey, nil), nil
}

// ValidateWithChain checks cert against chain[0] and reports the subject DNs
// of cert and every chain element as the trust chain path. An empty chain
// behaves like Validate.
func (v *Validator) ValidateWithChain(cert *x509.Certificate, chain []*x509.Certificate) (*ValidationResult, error) {
	if cert == nil {
		return nil, NewConfigurationError("validate with chain", ErrNilCertificate)
	}
	for _, c := range chain {
		if c == nil {
			return nil, NewConfigurationError("validate with chain: chain element", ErrNilCertificate)
		}
	}
	if len(chain) == 0 {
		return v.validate(cert, cert.PublicKey, []*x509.Certificate{}), nil
	}
	return v.validate(cert, chain[0].PublicKey, chain), nil
}

func (v *Validator) validate(cert *x509.Certificate, issuerKey crypto.PublicKey, chain []*x509.Certificate) *ValidationResult {
	now := v.clock.Now().UTC()
	result := &ValidationResult{ValidatedAt: now}

	switch {
	case now.After(cert.NotAfter):
		result.Status = StatusExpired
		result.Error = &ExpiredError{Subject: cert.Subject.String(), NotAfter: cert.NotAfter.UTC().Format(time.RFC3339)}
		result.Message = result.Error.Error()
		return result
	case now.Before(cert.NotBefore):
		result.Status = StatusNotYetValid
		result.Error = &NotYetValidError{Subject: cert.Subject.String(), NotBefore: cert.NotBefore.UTC().Format(time.RFC3339)}
		result.Message = result.Error.Error()
		return result
	}
	result.ExpirationValid = true

	if err := v.verifySignature(cert, issuerKey); err != nil {
		result.Status = StatusInvalidSignature
		result.Error = err
		result.Message = "signature verification failed: " + err.Error()
		return result
	}
	result.SignatureValid = true

	result.KeyUsage = GetKeyUsage(cert)
	result.ExtKeyUsage = GetExtKeyUsage(cert)
	result.PurposeValid = true

	if chain != nil {
		result.TrustChainPath = append(result.TrustChainPath, cert.Subject.String())
		for _, c := range chain {
			result.TrustChainPath = append(result.TrustChainPath, c.Subject.String())
		}
		result.TrustChainDepth = len(chain)
	}

	result.Status = StatusValid
	result.Valid = true
	result.Message = "certificate is valid"
	return result
}

func (v *Validator) verifySignature(cert *x509.Certificate, issuerKey crypto.PublicKey) error {
	return verifyCertificateSignatureWith(v.sig, cert, issuerKey)
}

// VerifySignature checks that cert was signed with the key matching issuerKey.
func (v *Validator) VerifySignature(cert *x509.Certificate, issuerKey crypto.PublicKey) error {
	if cert == nil {
		return NewConfigurationError("verify signature", ErrNilCertificate)
	}
	return v.verifySignature(cert, issuerKey)
}

// IsExpired reports whether now is after cert's notAfter.
func (v *Validator) IsExpired(cert *x509.Certificate) bool {
	return cert != nil && v.clock.Now().After(cert.NotAfter)
}

// IsNotYetValid reports whether now is before cert's notBefore.
func (v *Validator) IsNotYetValid(cert *x509.Certificate) bool {
	return cert != nil && v.clock.Now().Before(cert.NotBefore)
}

// IsWithinValidity reports whether at lies inside [notBefore, notAfter].
func IsWithinValidity(cert *x509.Certificate, at time.Time) bool {
	return !at.Before(cert.NotBefore) && !at.After(cert.NotAfter)
}
