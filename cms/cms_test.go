package cms

import (
	"encoding/asn1"
	"errors"
	"testing"
	"time"

	"github.com/georgepadayatti/gopkd/icao"
	"github.com/georgepadayatti/gopkd/internal/pkdtest"
)

func TestSignAndParse(t *testing.T) {
	csca := pkdtest.CSCA(t, "FR", "CSCA France")
	dsc := pkdtest.DSC(t, csca, "DS France")
	signingTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	b := NewBuilder(dsc.Cert, dsc.Key, SHA256WithECDSA, icao.OIDLDSSecurityObject)
	b.SetSigningTime(signingTime)
	b.SetCertificateChain(nil)
	content := []byte{0x30, 0x03, 0x02, 0x01, 0x00}

	der, err := b.Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	msg, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if !msg.ContentType.Equal(icao.OIDLDSSecurityObject) {
		t.Errorf("Unexpected content type %s", msg.ContentType)
	}
	if string(msg.Content) != string(content) {
		t.Errorf("Content mismatch: %x", msg.Content)
	}
	if len(msg.Certificates) != 1 {
		t.Fatalf("Expected 1 certificate, got %d", len(msg.Certificates))
	}

	signer := msg.Signer()
	if signer == nil {
		t.Fatal("Expected a signer")
	}
	if !signer.SigningTime.Equal(signingTime) {
		t.Errorf("Signing time = %v, want %v", signer.SigningTime, signingTime)
	}
	cert, err := msg.SignerCertificate(signer)
	if err != nil {
		t.Fatalf("Failed to locate signer certificate: %v", err)
	}
	if cert.SerialNumber.Cmp(dsc.Cert.SerialNumber) != 0 {
		t.Error("Wrong signer certificate")
	}

	if err := msg.Verify(nil); err != nil {
		t.Errorf("Verify with embedded certificate failed: %v", err)
	}
	if err := msg.Verify(dsc.Cert); err != nil {
		t.Errorf("Verify with explicit certificate failed: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	csca := pkdtest.CSCA(t, "FR", "CSCA France")
	dsc := pkdtest.DSC(t, csca, "DS France")
	other := pkdtest.DSC(t, csca, "DS Other")

	der, err := NewBuilder(dsc.Cert, dsc.Key, SHA256WithECDSA, OIDData).Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	msg, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if err := msg.Verify(other.Cert); err == nil {
		t.Error("Expected failure with the wrong certificate")
	}

	signer := msg.Signer()
	if err := signer.Verify(OIDData, []byte("tampered"), dsc.Cert.PublicKey); !errors.Is(err, ErrMessageDigestMismatch) {
		t.Errorf("Expected ErrMessageDigestMismatch, got %v", err)
	}
	if err := signer.Verify(icao.OIDDeviationList, []byte("payload"), dsc.Cert.PublicKey); !errors.Is(err, ErrContentTypeMismatch) {
		t.Errorf("Expected ErrContentTypeMismatch, got %v", err)
	}
}

func TestSignWithoutAttributesRSA(t *testing.T) {
	csca := pkdtest.CSCA(t, "NL", "CSCA NL", pkdtest.WithRSAKey())
	dsc := pkdtest.DSC(t, csca, "DS NL", pkdtest.WithRSAKey())

	b := NewBuilder(dsc.Cert, dsc.Key, SHA256WithRSA, OIDData)
	b.OmitSignedAttributes = true
	der, err := b.Sign([]byte("raw content"))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	msg, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if msg.Signer().HasSignedAttributes() {
		t.Error("Expected no signed attributes")
	}
	if !msg.Signer().SigningTime.IsZero() {
		t.Error("Signing time must be zero without signed attributes")
	}
	if err := msg.Verify(nil); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestSignerCertificateMissing(t *testing.T) {
	csca := pkdtest.CSCA(t, "FR", "CSCA France")
	dsc := pkdtest.DSC(t, csca, "DS France")

	b := NewBuilder(dsc.Cert, dsc.Key, SHA256WithECDSA, OIDData)
	b.OmitCertificates = true
	der, err := b.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	msg, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if _, err := msg.SignerCertificate(msg.Signer()); !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("Expected ErrMissingCertificate, got %v", err)
	}
	if err := msg.Verify(nil); !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("Expected ErrMissingCertificate from Verify, got %v", err)
	}
}

func TestParseSignedDataErrors(t *testing.T) {
	notSigned, _ := asn1.Marshal(ContentInfo{ContentType: OIDData})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, nil},
		{"garbage", []byte{0x01, 0x02, 0x03}, nil},
		{"wrong content type", notSigned, ErrNotSignedData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignedData(tt.data)
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
