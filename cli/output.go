package cli

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/format"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.FgYellow)
	dimColor     = color.New(color.Faint)
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func printHeader(w io.Writer, title string) {
	headerColor.Fprintln(w, title)
	headerColor.Fprintln(w, strings.Repeat("─", 50))
}

func printField(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "  %-22s", label+":")
	fmt.Fprintf(w, " %v\n", value)
}

func printCheck(w io.Writer, ok bool, label string) {
	if ok {
		successColor.Fprintf(w, "  ✓ %s\n", label)
		return
	}
	errorColor.Fprintf(w, "  ✗ %s\n", label)
}

func printWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		warnColor.Fprintf(w, "  ! %s\n", warning)
	}
}

func printVerdict(w io.Writer, ok bool, message string) {
	fmt.Fprintln(w)
	if ok {
		successColor.Fprintf(w, "✓ %s\n", message)
		return
	}
	errorColor.Fprintf(w, "✗ %s\n", message)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printCertificate(w io.Writer, info certvalidator.CertificateInfo, c certvalidator.Classification) {
	printField(w, "Type", c.Type)
	printField(w, "Subject", info.Subject)
	printField(w, "Issuer", info.Issuer)
	printField(w, "Serial", info.SerialNumber)
	printField(w, "Validity", fmt.Sprintf("%s to %s", formatTime(info.NotBefore), formatTime(info.NotAfter)))
	key := fmt.Sprintf("%s %d", info.PublicKeyAlgorithm, info.PublicKeySize)
	if info.Curve != "" {
		key += " " + info.Curve
	}
	printField(w, "Public key", key)
	printField(w, "Signature algorithm", info.SignatureAlgorithm)
	if len(info.KeyUsage) > 0 {
		printField(w, "Key usage", strings.Join(info.KeyUsage, ", "))
	}
	if len(info.ExtKeyUsage) > 0 {
		printField(w, "Extended key usage", strings.Join(info.ExtKeyUsage, ", "))
	}
	if info.Country != "" {
		printField(w, "Country", info.Country)
	}
	dimColor.Fprintf(w, "  %-22s %s\n", "SHA-256:", info.Fingerprint)
}

// certificateOutput is the JSON form of one certificate.
type certificateOutput struct {
	Classification certvalidator.Classification   `json:"classification"`
	Certificate    *certvalidator.CertificateInfo `json:"certificate,omitempty"`
	Error          string                         `json:"error,omitempty"`
}

func describe(cert *x509.Certificate) certificateOutput {
	out := certificateOutput{Classification: certvalidator.Classify(cert)}
	info, err := certvalidator.Describe(cert)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Certificate = &info
	return out
}

// readCertificates loads every certificate in path, whatever its format.
func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := certs.ParseCertificates(data, format.Detect(filepath.Base(path), data))
	if len(r.Certificates) == 0 {
		return nil, fmt.Errorf("%s: %w", path, certs.ErrNoCertFound)
	}
	return r.Certificates, nil
}

// readCertificate loads the first certificate in path.
func readCertificate(path string) (*x509.Certificate, error) {
	certificates, err := readCertificates(path)
	if err != nil {
		return nil, err
	}
	return certificates[0], nil
}
