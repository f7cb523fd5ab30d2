// Package certs extracts certificates and CRLs from the file formats found
// in national PKD exports.
package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/der"
	"github.com/georgepadayatti/gopkd/format"
	"github.com/georgepadayatti/gopkd/icao/deviation"
	"github.com/georgepadayatti/gopkd/icao/masterlist"
)

// Common errors
var (
	ErrNoCertFound       = errors.New("no certificate found in data")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// PEM block types holding certificates or certificate bundles.
var certificateBlockTypes = map[string]bool{
	"CERTIFICATE":      true,
	"X509 CERTIFICATE": true,
	"PKCS7":            true,
	"CMS":              true,
}

// ParseResult holds everything recovered from one input.
type ParseResult struct {
	Format       format.Format
	Certificates []*x509.Certificate
	CRLs         [][]byte
	FailedCount  int
	Errors       []string
	Success      bool
}

func (r *ParseResult) addCertificate(cert *x509.Certificate) {
	r.Certificates = append(r.Certificates, cert)
}

func (r *ParseResult) fail(err error) {
	r.FailedCount++
	r.Errors = append(r.Errors, err.Error())
}

func (r *ParseResult) merge(other *ParseResult) {
	r.Certificates = append(r.Certificates, other.Certificates...)
	r.CRLs = append(r.CRLs, other.CRLs...)
	r.FailedCount += other.FailedCount
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *ParseResult) finish() *ParseResult {
	r.Success = len(r.Certificates) > 0 || (r.Format == format.FormatCRL && len(r.CRLs) > 0)
	return r
}

// ParseCertificates extracts certificates from data according to f. A
// failure on one item is counted and never discards the rest. Success is
// false only when nothing was recovered.
func ParseCertificates(data []byte, f format.Format) *ParseResult {
	var r *ParseResult
	switch f {
	case format.FormatPEM:
		r = ParsePEM(data)
	case format.FormatDER, format.FormatCER, format.FormatBIN:
		r = ParseDER(data)
	case format.FormatP7B:
		if bytes.Contains(data, []byte("-----BEGIN ")) {
			r = ParsePEM(data)
		} else {
			r = ParsePKCS7(data)
		}
	case format.FormatP12:
		r = ParsePKCS12(data, "")
	case format.FormatML:
		r = ParseMasterList(data)
	case format.FormatDL:
		r = ParseDeviationList(data)
	case format.FormatLDIF:
		r = ParseLDIF(data)
	case format.FormatCRL:
		r = ParseCRLs(data)
	case format.FormatUnknown:
		if bytes.Contains(data, []byte("-----BEGIN ")) {
			r = ParsePEM(data)
		} else {
			r = ParseDER(data)
		}
	default:
		r = &ParseResult{}
		r.fail(fmt.Errorf("%w: %s", ErrUnsupportedFormat, f))
	}
	r.Format = f
	return r.finish()
}

// ParsePEM scans data line by line for BEGIN/END armour and decodes every
// certificate, PKCS#7 and CRL block.
func ParsePEM(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatPEM}
	blocks, unterminated := splitPEM(data)
	for i := 0; i < unterminated; i++ {
		r.fail(errors.New("PEM block without END line"))
	}

	for _, raw := range blocks {
		block, _ := pem.Decode(raw)
		if block == nil {
			r.fail(errors.New("invalid PEM block"))
			continue
		}
		switch {
		case block.Type == "X509 CRL":
			if _, err := revinfo.ParseCRL(block.Bytes); err != nil {
				r.fail(err)
				continue
			}
			r.CRLs = append(r.CRLs, block.Bytes)
		case block.Type == "PKCS7" || block.Type == "CMS":
			r.merge(ParsePKCS7(block.Bytes))
		case certificateBlockTypes[block.Type]:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				r.fail(fmt.Errorf("failed to parse certificate: %w", err))
				continue
			}
			r.addCertificate(cert)
		}
	}
	return r.finish()
}

// splitPEM returns each BEGIN..END block. Blocks whose END line is missing
// are counted in unterminated.
func splitPEM(data []byte) (blocks [][]byte, unterminated int) {
	start := -1
	offset := 0
	for offset < len(data) {
		end := bytes.IndexByte(data[offset:], '\n')
		next := len(data)
		if end >= 0 {
			next = offset + end + 1
		}
		line := bytes.TrimSpace(data[offset:next])

		switch {
		case bytes.HasPrefix(line, []byte("-----BEGIN ")) && bytes.HasSuffix(line, []byte("-----")):
			if start >= 0 {
				unterminated++
			}
			start = offset
		case bytes.HasPrefix(line, []byte("-----END ")) && start >= 0:
			blocks = append(blocks, data[start:next])
			start = -1
		}
		offset = next
	}
	if start >= 0 {
		unterminated++
	}
	return blocks, unterminated
}

// ParseDER decodes one or more concatenated DER certificates. A CMS
// SignedData bundle is handed to ParsePKCS7.
func ParseDER(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatDER}
	if der.ContainsOID(data, format.OIDSignedData, format.SniffLimit) {
		if p7 := ParsePKCS7(data); len(p7.Certificates) > 0 {
			return p7
		}
	}

	c := der.NewCursor(data)
	for !c.Empty() {
		raw, err := c.ReadRawElement(cbasn1.SEQUENCE)
		if err != nil {
			r.fail(err)
			break
		}
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			r.fail(fmt.Errorf("failed to parse certificate at offset %d: %w", c.Offset()-len(raw), err))
			continue
		}
		r.addCertificate(cert)
	}
	return r.finish()
}

// ParsePKCS7 decodes a certs-only (or signed) CMS SignedData bundle.
func ParsePKCS7(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatP7B}
	msg, err := cms.ParseSignedData(data)
	if err != nil {
		r.fail(err)
		return r.finish()
	}
	for _, cert := range msg.Certificates {
		r.addCertificate(cert)
	}
	for i := 0; i < msg.UnparsedCertificates; i++ {
		r.fail(errors.New("failed to parse bundled certificate"))
	}
	r.CRLs = append(r.CRLs, msg.CRLs...)
	return r.finish()
}

// ParsePKCS12 decodes a PKCS#12 trust store or key bundle. When password
// is empty the empty password and pkcs12.DefaultPassword are tried.
func ParsePKCS12(data []byte, password string) *ParseResult {
	r := &ParseResult{Format: format.FormatP12}
	passwords := []string{password}
	if password == "" {
		passwords = append(passwords, pkcs12.DefaultPassword)
	}

	var lastErr error
	for _, pw := range passwords {
		if trusted, err := pkcs12.DecodeTrustStore(data, pw); err == nil {
			for _, cert := range trusted {
				r.addCertificate(cert)
			}
			return r.finish()
		} else {
			lastErr = err
		}
		if _, cert, chain, err := pkcs12.DecodeChain(data, pw); err == nil {
			r.addCertificate(cert)
			for _, ca := range chain {
				r.addCertificate(ca)
			}
			return r.finish()
		}
	}
	r.fail(fmt.Errorf("failed to decode PKCS#12: %w", lastErr))
	return r.finish()
}

// ParseMasterList returns the CSCA certificates of a Master List.
func ParseMasterList(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatML}
	if len(data) == 0 {
		r.fail(ErrNoCertFound)
		return r.finish()
	}
	ml, _ := masterlist.Parse(data)
	if !ml.Success {
		r.fail(errors.New(ml.Error))
		return r.finish()
	}
	for _, cert := range ml.Certificates {
		r.addCertificate(cert)
	}
	r.FailedCount += ml.FailedCount
	return r.finish()
}

// ParseDeviationList returns the certificates embedded in a Deviation List
// other than the list signer's.
func ParseDeviationList(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatDL}
	if len(data) == 0 {
		r.fail(ErrNoCertFound)
		return r.finish()
	}
	dl, _ := deviation.Parse(data)
	if !dl.Success {
		r.fail(errors.New(dl.Error))
		return r.finish()
	}
	for _, cert := range dl.Certificates {
		r.addCertificate(cert)
	}
	return r.finish()
}

// ParseCRLs decodes a single DER or PEM CRL file.
func ParseCRLs(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatCRL}
	if bytes.Contains(data, []byte("-----BEGIN ")) {
		pr := ParsePEM(data)
		pr.Format = format.FormatCRL
		return pr.finish()
	}
	crl, err := revinfo.ParseCRL(data)
	if err != nil {
		r.fail(err)
		return r.finish()
	}
	r.CRLs = append(r.CRLs, crl.Raw)
	return r.finish()
}
