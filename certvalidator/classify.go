package certvalidator

import (
	"crypto/x509"

	"github.com/georgepadayatti/gopkd/icao"
)

// CertificateType is the PKI role of a certificate.
type CertificateType int

const (
	TypeUnknown CertificateType = iota
	TypeCSCA
	TypeDSC
	// TypeDSCNonConformant marks a DSC listed as non-conformant by a
	// Deviation List. The classifier never returns it.
	TypeDSCNonConformant
	TypeMLSC
	TypeLinkCert
	TypeDLSigner
)

var certificateTypeNames = map[CertificateType]string{
	TypeUnknown:          "UNKNOWN",
	TypeCSCA:             "CSCA",
	TypeDSC:              "DSC",
	TypeDSCNonConformant: "DSC_NC",
	TypeMLSC:             "MLSC",
	TypeLinkCert:         "LINK_CERT",
	TypeDLSigner:         "DL_SIGNER",
}

// String returns the string representation of the certificate type.
func (t CertificateType) String() string {
	if name, ok := certificateTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (t CertificateType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CertificateType) UnmarshalText(text []byte) error {
	*t = ParseCertificateType(string(text))
	return nil
}

// ParseCertificateType converts a name such as "LINK_CERT" back to a type.
func ParseCertificateType(s string) CertificateType {
	for t, name := range certificateTypeNames {
		if name == s {
			return t
		}
	}
	return TypeUnknown
}

// Classification is the outcome of Classify.
type Classification struct {
	Type        CertificateType `json:"type"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Country     string          `json:"country,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Classify determines the role of cert. The first matching rule wins:
//  1. Master List signer EKU: MLSC
//  2. Deviation List signer EKU: DL_SIGNER
//  3. CA with keyCertSign: CSCA when self-signed, LINK_CERT otherwise
//  4. anything else: DSC
//
// Classify never fails; a nil certificate yields TypeUnknown with Error set.
func Classify(cert *x509.Certificate) Classification {
	if cert == nil {
		return Classification{Type: TypeUnknown, Error: ErrNilCertificate.Error()}
	}

	c := Classification{
		Type:        TypeDSC,
		Fingerprint: FingerprintHex(cert),
		Country:     CountryCode(cert.Subject),
	}
	if c.Country == "" {
		c.Country = CountryCode(cert.Issuer)
	}

	switch {
	case HasExtendedKeyUsage(cert, icao.OIDMasterListSigningKey):
		c.Type = TypeMLSC
	case HasExtendedKeyUsage(cert, icao.OIDDeviationListSigningKey):
		c.Type = TypeDLSigner
	case cert.IsCA && cert.KeyUsage&x509.KeyUsageCertSign != 0:
		if IsSelfSigned(cert) {
			c.Type = TypeCSCA
		} else {
			c.Type = TypeLinkCert
		}
	}
	return c
}

// ClassifyDER parses der and classifies the result.
func ClassifyDER(der []byte) Classification {
	if len(der) == 0 {
		return Classification{Type: TypeUnknown, Error: ErrEmptyCertificate.Error()}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Classification{Type: TypeUnknown, Error: NewParseError("failed to parse certificate", err).Error()}
	}
	return Classify(cert)
}
