package certvalidator

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopkd/internal/pkdtest"
)

func TestValidateSelfSigned(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	v := NewValidator(clockwork.NewFakeClockAt(time.Now()))

	result, err := v.Validate(csca.Cert)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.Valid || result.Status != StatusValid {
		t.Fatalf("Expected VALID, got %s: %s", result.Status, result.Message)
	}
	if !result.ExpirationValid || !result.SignatureValid || !result.PurposeValid {
		t.Errorf("Expected all steps valid: %+v", result)
	}
	if len(result.KeyUsage) != 2 || result.KeyUsage[0] != "keyCertSign" || result.KeyUsage[1] != "cRLSign" {
		t.Errorf("Unexpected key usage %v", result.KeyUsage)
	}
	if result.TrustChainPath != nil || result.TrustChainDepth != 0 {
		t.Errorf("Expected no chain data without a chain, got %v/%d", result.TrustChainPath, result.TrustChainDepth)
	}
}

func TestValidateWithIssuer(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	other := pkdtest.CSCA(t, "DE", "Other CSCA")
	dsc := pkdtest.DSC(t, csca, "DSC")
	v := NewValidator(nil)

	result, err := v.ValidateWithIssuer(dsc.Cert, csca.Cert)
	if err != nil {
		t.Fatalf("ValidateWithIssuer failed: %v", err)
	}
	if result.Status != StatusValid {
		t.Errorf("Expected VALID, got %s: %s", result.Status, result.Message)
	}

	result, err = v.ValidateWithIssuer(dsc.Cert, other.Cert)
	if err != nil {
		t.Fatalf("ValidateWithIssuer failed: %v", err)
	}
	if result.Status != StatusInvalidSignature || result.Valid {
		t.Errorf("Expected INVALID_SIGNATURE, got %s", result.Status)
	}
	if !result.ExpirationValid {
		t.Error("Expiration step should have run and passed")
	}
	if result.PurposeValid || result.KeyUsage != nil {
		t.Error("Purpose step should have been skipped")
	}
	if !errors.Is(result.Error, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", result.Error)
	}
}

func TestValidateDSCAgainstItselfFails(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	dsc := pkdtest.DSC(t, csca, "DSC")

	result, err := NewValidator(nil).Validate(dsc.Cert)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.Status != StatusInvalidSignature {
		t.Errorf("Expected INVALID_SIGNATURE, got %s", result.Status)
	}
}

func TestValidateWithChain(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	dsc := pkdtest.DSC(t, csca, "DSC")

	result, err := NewValidator(nil).ValidateWithChain(dsc.Cert, []*x509.Certificate{csca.Cert})
	if err != nil {
		t.Fatalf("ValidateWithChain failed: %v", err)
	}
	if result.Status != StatusValid {
		t.Fatalf("Expected VALID, got %s: %s", result.Status, result.Message)
	}
	if result.TrustChainDepth != 1 {
		t.Errorf("Expected depth 1, got %d", result.TrustChainDepth)
	}
	want := []string{dsc.Cert.Subject.String(), csca.Cert.Subject.String()}
	if len(result.TrustChainPath) != len(want) {
		t.Fatalf("Expected path %v, got %v", want, result.TrustChainPath)
	}
	for i := range want {
		if result.TrustChainPath[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, result.TrustChainPath[i], want[i])
		}
	}
}

func TestValidateExpiration(t *testing.T) {
	now := time.Now()
	csca := pkdtest.CSCA(t, "DE", "CSCA",
		pkdtest.WithValidity(now.Add(-48*time.Hour), now.Add(48*time.Hour)))

	tests := []struct {
		name   string
		at     time.Time
		status ValidationStatus
		target error
	}{
		{"inside validity", now, StatusValid, nil},
		{"after notAfter", now.Add(72 * time.Hour), StatusExpired, ErrCertificateExpired},
		{"before notBefore", now.Add(-72 * time.Hour), StatusNotYetValid, ErrCertificateNotYetValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(clockwork.NewFakeClockAt(tt.at))
			result, err := v.Validate(csca.Cert)
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if result.Status != tt.status {
				t.Errorf("Expected %s, got %s", tt.status, result.Status)
			}
			if tt.target != nil {
				if !errors.Is(result.Error, tt.target) {
					t.Errorf("Expected %v, got %v", tt.target, result.Error)
				}
				if result.SignatureValid {
					t.Error("Signature step should have been skipped")
				}
			}
		})
	}
}

func TestIsExpiredAndNotYetValid(t *testing.T) {
	now := time.Now()
	fresh := pkdtest.CSCA(t, "DE", "Fresh",
		pkdtest.WithValidity(now, now.AddDate(1, 0, 0)))

	v := NewValidator(clockwork.NewFakeClockAt(now.Add(time.Minute)))
	if v.IsExpired(fresh.Cert) || v.IsNotYetValid(fresh.Cert) {
		t.Error("Freshly minted certificate should be neither expired nor not yet valid")
	}

	late := NewValidator(clockwork.NewFakeClockAt(now.AddDate(2, 0, 0)))
	if !late.IsExpired(fresh.Cert) {
		t.Error("Expected certificate to be expired two years later")
	}

	early := NewValidator(clockwork.NewFakeClockAt(now.Add(-time.Hour)))
	if !early.IsNotYetValid(fresh.Cert) {
		t.Error("Expected certificate to be not yet valid an hour before issuance")
	}
}

func TestValidateConfigurationErrors(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	v := NewValidator(nil)

	var cfgErr *ConfigurationError
	if _, err := v.Validate(nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
	if _, err := v.ValidateWithIssuer(csca.Cert, nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
	if _, err := v.ValidateWithChain(csca.Cert, []*x509.Certificate{nil}); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
	if !errors.Is(cfgErr, ErrNilCertificate) {
		t.Errorf("Expected wrapped ErrNilCertificate, got %v", cfgErr)
	}
}

func TestVerifyCertificateSignatureRSA(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA RSA", pkdtest.WithRSAKey())
	dsc := pkdtest.DSC(t, csca, "DSC")

	if err := VerifyCertificateSignature(dsc.Cert, csca.Cert.PublicKey); err != nil {
		t.Errorf("Expected RSA signature to verify: %v", err)
	}
}
