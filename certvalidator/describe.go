package certvalidator

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"time"
)

// CertificateInfo is a flat description of a certificate.
type CertificateInfo struct {
	Subject               string    `json:"subject"`
	Issuer                string    `json:"issuer"`
	SerialNumber          string    `json:"serialNumber"`
	NotBefore             time.Time `json:"notBefore"`
	NotAfter              time.Time `json:"notAfter"`
	PublicKeyAlgorithm    string    `json:"publicKeyAlgorithm"`
	PublicKeySize         int       `json:"publicKeySize"`
	Curve                 string    `json:"curve,omitempty"`
	SignatureAlgorithm    string    `json:"signatureAlgorithm"`
	IsCA                  bool      `json:"isCA"`
	PathLength            int       `json:"pathLength"`
	KeyUsage              []string  `json:"keyUsage,omitempty"`
	ExtKeyUsage           []string  `json:"extKeyUsage,omitempty"`
	SubjectKeyID          string    `json:"subjectKeyId,omitempty"`
	AuthorityKeyID        string    `json:"authorityKeyId,omitempty"`
	CRLDistributionPoints []string  `json:"crlDistributionPoints,omitempty"`
	Country               string    `json:"country,omitempty"`
	Fingerprint           string    `json:"fingerprint"`
	SelfSigned            bool      `json:"selfSigned"`
}

// Describe extracts the attributes of cert used throughout the PKD.
func Describe(cert *x509.Certificate) (CertificateInfo, error) {
	if cert == nil {
		return CertificateInfo{}, NewConfigurationError("describe", ErrNilCertificate)
	}

	info := CertificateInfo{
		Subject:               cert.Subject.String(),
		Issuer:                cert.Issuer.String(),
		SerialNumber:          SerialHex(cert.SerialNumber),
		NotBefore:             cert.NotBefore.UTC(),
		NotAfter:              cert.NotAfter.UTC(),
		PublicKeyAlgorithm:    cert.PublicKeyAlgorithm.String(),
		SignatureAlgorithm:    cert.SignatureAlgorithm.String(),
		IsCA:                  cert.IsCA,
		PathLength:            CertPathLength(cert),
		KeyUsage:              GetKeyUsage(cert),
		ExtKeyUsage:           GetExtKeyUsage(cert),
		CRLDistributionPoints: cert.CRLDistributionPoints,
		Country:               CountryCode(cert.Subject),
		Fingerprint:           FingerprintHex(cert),
		SelfSigned:            IsSelfSigned(cert),
	}
	if len(cert.SubjectKeyId) > 0 {
		info.SubjectKeyID = hex.EncodeToString(cert.SubjectKeyId)
	}
	if len(cert.AuthorityKeyId) > 0 {
		info.AuthorityKeyID = hex.EncodeToString(cert.AuthorityKeyId)
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.PublicKeySize = pub.N.BitLen()
	case *ecdsa.PublicKey:
		info.PublicKeySize = pub.Curve.Params().BitSize
		info.Curve = pub.Curve.Params().Name
	case ed25519.PublicKey:
		info.PublicKeySize = 256
		info.Curve = "Ed25519"
	}

	return info, nil
}
