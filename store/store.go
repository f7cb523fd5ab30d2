// Package store defines the storage contract shared by the CSCA and CRL
// backends.
package store

import (
	"context"
	"crypto/x509"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/gopkd/certvalidator/linkcert"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
)

// ErrNotCSCA is returned when a certificate offered as CSCA is not a
// self-signed country signing CA.
var ErrNotCSCA = errors.New("certificate is not a CSCA")

// Provider serves both revocation lists and CSCA certificates.
type Provider interface {
	revinfo.CRLProvider
	linkcert.CSCAProvider
}

// Writer persists CSCAs and CRLs.
type Writer interface {
	AddCSCA(ctx context.Context, cert *x509.Certificate) error
	AddCRL(ctx context.Context, der []byte) (*revinfo.CRLRecord, error)
}

// Store is a readable and writable backend.
type Store interface {
	Provider
	Writer
}

// NormalizeDN returns the lookup key for a distinguished name: Unicode NFC,
// case folded, with the whitespace around RDN separators removed.
func NormalizeDN(dn string) string {
	dn = norm.NFC.String(strings.TrimSpace(dn))
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	// A Caser is stateful and must not be shared between goroutines.
	return cases.Fold().String(strings.Join(parts, ","))
}
