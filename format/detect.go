// Package format classifies PKD input files (certificates, CRLs, Master
// Lists, Deviation Lists, bundles, LDIF exports) by file name and content.
package format

import (
	"bytes"
	"encoding/asn1"
	"path/filepath"
	"strings"

	"github.com/georgepadayatti/gopkd/der"
	"github.com/georgepadayatti/gopkd/icao"
)

// Format is a detected file format tag.
type Format string

const (
	FormatPEM     Format = "PEM"
	FormatDER     Format = "DER"
	FormatCER     Format = "CER"
	FormatBIN     Format = "BIN"
	FormatCRL     Format = "CRL"
	FormatDL      Format = "DL"
	FormatML      Format = "ML"
	FormatP7B     Format = "P7B"
	FormatP12     Format = "P12"
	FormatLDIF    Format = "LDIF"
	FormatUnknown Format = "UNKNOWN"
)

// SniffLimit is the number of leading bytes inspected by content sniffing.
const SniffLimit = 1024

// OIDSignedData is the PKCS#7/CMS SignedData content type.
var OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

var extensions = map[string]Format{
	".pem":  FormatPEM,
	".crt":  FormatPEM,
	".der":  FormatDER,
	".cer":  FormatCER,
	".crl":  FormatCRL,
	".dvl":  FormatDL,
	".dl":   FormatDL,
	".ml":   FormatML,
	".p7b":  FormatP7B,
	".p7c":  FormatP7B,
	".p12":  FormatP12,
	".pfx":  FormatP12,
	".ldif": FormatLDIF,
}

var (
	pemPrefix    = []byte("-----BEGIN ")
	pemCRLPrefix = []byte("-----BEGIN X509 CRL-----")
)

// Detect returns the format of a file. Only the first SniffLimit bytes of
// content are inspected. Detection never fails; unmatched input yields
// FormatUnknown.
//
// Detection order:
//  1. PEM armour ("-----BEGIN "), whatever the extension
//  2. File extension
//  3. LDIF ("dn:" or "version:" prefix)
//  4. PEM encoded CRL
//  5. Deviation List content type OID
//  6. Master List content type OID
//  7. CMS SignedData content type OID
//  8. DER SEQUENCE with a well-formed length
func Detect(filename string, content []byte) Format {
	if len(content) > SniffLimit {
		content = content[:SniffLimit]
	}
	trimmed := bytes.TrimLeft(content, " \t\r\n\uFEFF")

	// PEM armour wins over any extension.
	if bytes.HasPrefix(trimmed, pemPrefix) {
		return detectPEM(trimmed)
	}

	if f, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}

	return Sniff(filename, content)
}

// Sniff classifies content without consulting the file extension table.
// The filename only decides between the generic binary tags.
func Sniff(filename string, content []byte) Format {
	if len(content) > SniffLimit {
		content = content[:SniffLimit]
	}
	trimmed := bytes.TrimLeft(content, " \t\r\n\uFEFF")

	if bytes.HasPrefix(trimmed, pemPrefix) && !bytes.HasPrefix(trimmed, pemCRLPrefix) {
		return FormatPEM
	}

	if isLDIF(trimmed) {
		return FormatLDIF
	}

	if bytes.HasPrefix(trimmed, pemCRLPrefix) {
		return FormatCRL
	}

	if der.ContainsOID(content, icao.OIDDeviationList, SniffLimit) {
		return FormatDL
	}

	if der.ContainsOID(content, icao.OIDCSCAMasterList, SniffLimit) {
		return FormatML
	}

	if der.ContainsOID(content, OIDSignedData, SniffLimit) {
		return FormatP7B
	}

	if der.LooksLikeSequence(content) {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".bin":
			return FormatBIN
		case ".cer":
			return FormatCER
		default:
			return FormatDER
		}
	}

	return FormatUnknown
}

func detectPEM(trimmed []byte) Format {
	if bytes.HasPrefix(trimmed, pemCRLPrefix) {
		return FormatCRL
	}
	return FormatPEM
}

func isLDIF(trimmed []byte) bool {
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("dn:")) || bytes.HasPrefix(lower, []byte("version:"))
}
