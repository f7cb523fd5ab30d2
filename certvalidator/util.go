package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

var oidCountryName = asn1.ObjectIdentifier{2, 5, 4, 6}

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// FingerprintHex returns the lowercase hex SHA-256 fingerprint of a certificate.
func FingerprintHex(cert *x509.Certificate) string {
	fp := CertificateFingerprint(cert)
	return hex.EncodeToString(fp[:])
}

// SerialHex renders a serial number as lowercase hex without a prefix.
func SerialHex(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	if serial.Sign() < 0 {
		return "-" + new(big.Int).Neg(serial).Text(16)
	}
	return serial.Text(16)
}

// ParseSerialHex converts a hex serial (optionally "0x"-prefixed, any case,
// colon separated) back to an integer.
func ParseSerialHex(s string) (*big.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	neg := strings.HasPrefix(clean, "-")
	clean = strings.TrimPrefix(clean, "-")
	if clean == "" {
		return nil, fmt.Errorf("empty serial number")
	}
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex serial number %q", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

// CountryCode returns the value of the first countryName RDN of name.
func CountryCode(name pkix.Name) string {
	for _, atv := range name.Names {
		if atv.Type.Equal(oidCountryName) {
			if v, ok := atv.Value.(string); ok {
				return strings.ToUpper(strings.TrimSpace(v))
			}
		}
	}
	if len(name.Country) > 0 {
		return strings.ToUpper(name.Country[0])
	}
	return ""
}

// IsSelfSigned checks if the issuer and subject names of a certificate are
// structurally identical, i.e. the same RDNs in the same order with the same
// string encodings.
func IsSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

// CertPathLength returns the path length constraint, or -1 if none.
func CertPathLength(cert *x509.Certificate) int {
	if cert.MaxPathLen > 0 || cert.MaxPathLenZero {
		return cert.MaxPathLen
	}
	return -1
}

// HasExtendedKeyUsage reports whether the certificate lists oid as an
// extended key usage. ICAO purposes are not known to crypto/x509 and always
// end up in UnknownExtKeyUsage.
func HasExtendedKeyUsage(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, eku := range cert.UnknownExtKeyUsage {
		if eku.Equal(oid) {
			return true
		}
	}
	return false
}

// GetKeyUsage returns the key usage bits as a string slice.
func GetKeyUsage(cert *x509.Certificate) []string {
	var usages []string
	for _, ku := range keyUsageNames {
		if cert.KeyUsage&ku.bit != 0 {
			usages = append(usages, ku.name)
		}
	}
	return usages
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

// GetExtKeyUsage returns the extended key usages. Well known purposes are
// reported by name, anything else (including the ICAO purposes) as a dotted
// OID.
func GetExtKeyUsage(cert *x509.Certificate) []string {
	var usages []string
	for _, eku := range cert.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageAny:
			usages = append(usages, "anyExtendedKeyUsage")
		case x509.ExtKeyUsageServerAuth:
			usages = append(usages, "serverAuth")
		case x509.ExtKeyUsageClientAuth:
			usages = append(usages, "clientAuth")
		case x509.ExtKeyUsageCodeSigning:
			usages = append(usages, "codeSigning")
		case x509.ExtKeyUsageEmailProtection:
			usages = append(usages, "emailProtection")
		case x509.ExtKeyUsageTimeStamping:
			usages = append(usages, "timeStamping")
		case x509.ExtKeyUsageOCSPSigning:
			usages = append(usages, "OCSPSigning")
		default:
			usages = append(usages, fmt.Sprintf("unknown(%d)", eku))
		}
	}

	for _, oid := range cert.UnknownExtKeyUsage {
		usages = append(usages, oid.String())
	}

	return usages
}
