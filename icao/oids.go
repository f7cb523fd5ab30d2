// Package icao holds the object identifiers and algorithm name tables used
// by ICAO 9303 PKI objects (SOD, Master List, Deviation List).
package icao

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"

	// Registers crypto.SHA3_* so Hash.Available reports true.
	_ "golang.org/x/crypto/sha3"
)

// ErrUnknownAlgorithm is returned when an algorithm OID is not in the tables.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// ICAO content types and extended key usages (Doc 9303 Part 12).
var (
	OIDLDSSecurityObject       = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	OIDCSCAMasterList          = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 2}
	OIDMasterListSigningKey    = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 3}
	OIDDeviationList           = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 7}
	OIDDeviationListSigningKey = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 8}
	OIDNameChange              = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 6, 1}
	OIDDocumentTypeList        = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 6, 2}
)

// SODTag is the application tag wrapping an EF.SOD file.
const SODTag = 0x77

// signatureAlgorithms maps signature algorithm OIDs to display names.
var signatureAlgorithms = map[string]string{
	"1.2.840.113549.1.1.1":    "RSA",
	"1.2.840.113549.1.1.5":    "SHA1withRSA",
	"1.2.840.113549.1.1.10":   "RSASSA-PSS",
	"1.2.840.113549.1.1.11":   "SHA256withRSA",
	"1.2.840.113549.1.1.12":   "SHA384withRSA",
	"1.2.840.113549.1.1.13":   "SHA512withRSA",
	"1.2.840.113549.1.1.14":   "SHA224withRSA",
	"1.2.840.10045.2.1":       "ECDSA",
	"1.2.840.10045.4.1":       "SHA1withECDSA",
	"1.2.840.10045.4.3.1":     "SHA224withECDSA",
	"1.2.840.10045.4.3.2":     "SHA256withECDSA",
	"1.2.840.10045.4.3.3":     "SHA384withECDSA",
	"1.2.840.10045.4.3.4":     "SHA512withECDSA",
	"0.4.0.127.0.7.1.1.4.1.1": "SHA1withPLAIN-ECDSA",
	"0.4.0.127.0.7.1.1.4.1.3": "SHA256withPLAIN-ECDSA",
	"0.4.0.127.0.7.1.1.4.1.4": "SHA384withPLAIN-ECDSA",
	"0.4.0.127.0.7.1.1.4.1.5": "SHA512withPLAIN-ECDSA",
	"1.3.101.112":             "Ed25519",
}

type hashAlgorithm struct {
	name string
	hash crypto.Hash
}

// hashAlgorithms maps digest algorithm OIDs to display names and hashes.
var hashAlgorithms = map[string]hashAlgorithm{
	"1.3.14.3.2.26":           {"SHA-1", crypto.SHA1},
	"2.16.840.1.101.3.4.2.4":  {"SHA-224", crypto.SHA224},
	"2.16.840.1.101.3.4.2.1":  {"SHA-256", crypto.SHA256},
	"2.16.840.1.101.3.4.2.2":  {"SHA-384", crypto.SHA384},
	"2.16.840.1.101.3.4.2.3":  {"SHA-512", crypto.SHA512},
	"2.16.840.1.101.3.4.2.8":  {"SHA3-256", crypto.SHA3_256},
	"2.16.840.1.101.3.4.2.9":  {"SHA3-384", crypto.SHA3_384},
	"2.16.840.1.101.3.4.2.10": {"SHA3-512", crypto.SHA3_512},
}

// SignatureAlgorithmName returns the display name of a signature algorithm.
// Unknown OIDs yield the dotted OID and ErrUnknownAlgorithm.
func SignatureAlgorithmName(oid asn1.ObjectIdentifier) (string, error) {
	if name, ok := signatureAlgorithms[oid.String()]; ok {
		return name, nil
	}
	return oid.String(), fmt.Errorf("%w: signature algorithm %s", ErrUnknownAlgorithm, oid)
}

// HashAlgorithmName returns the display name of a digest algorithm.
// Unknown OIDs yield the dotted OID and ErrUnknownAlgorithm.
func HashAlgorithmName(oid asn1.ObjectIdentifier) (string, error) {
	if h, ok := hashAlgorithms[oid.String()]; ok {
		return h.name, nil
	}
	return oid.String(), fmt.Errorf("%w: hash algorithm %s", ErrUnknownAlgorithm, oid)
}

// HashFromOID returns the crypto.Hash for a digest algorithm OID.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	h, ok := hashAlgorithms[oid.String()]
	if !ok || !h.hash.Available() {
		return 0, fmt.Errorf("%w: hash algorithm %s", ErrUnknownAlgorithm, oid)
	}
	return h.hash, nil
}
