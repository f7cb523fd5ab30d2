package cli

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/icao"
	"github.com/georgepadayatti/gopkd/internal/pkdtest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Execute(append([]string{"--no-color"}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

type pki struct {
	dir     string
	oldCSCA *pkdtest.Identity
	newCSCA *pkdtest.Identity
	link    *pkdtest.Identity
	dsc     *pkdtest.Identity
	config  string
	metrics string
}

// newPKI writes two CSCAs and a CRL revoking the DSC to a store directory,
// plus a configuration loading it into the memory store.
func newPKI(t *testing.T) *pki {
	t.Helper()
	p := &pki{
		dir:     t.TempDir(),
		oldCSCA: pkdtest.CSCA(t, "DE", "CSCA Germany 2015"),
		newCSCA: pkdtest.CSCA(t, "DE", "CSCA Germany 2020"),
	}
	p.link = pkdtest.LinkCert(t, p.oldCSCA, p.newCSCA)
	p.dsc = pkdtest.DSC(t, p.newCSCA, "DS Germany")

	writeFile(t, p.dir, "store/old.pem", p.oldCSCA.PEM())
	writeFile(t, p.dir, "store/new.der", p.newCSCA.DER)
	writeFile(t, p.dir, "crls/germany.crl", pkdtest.CRL(t, p.newCSCA,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour),
		pkdtest.Revoked{Serial: p.dsc.Cert.SerialNumber, At: time.Now().Add(-time.Minute), Reason: 1}))

	p.metrics = filepath.Join(p.dir, "gopkd.prom")
	cfg := strings.Join([]string{
		"logging:",
		"  level: debug",
		"  output: " + filepath.Join(p.dir, "gopkd.log"),
		"store:",
		"  csca-dir: " + filepath.Join(p.dir, "store"),
		"  crl-dir: " + filepath.Join(p.dir, "crls"),
		"metrics:",
		"  textfile-path: " + p.metrics,
		"",
	}, "\n")
	p.config = writeFile(t, p.dir, "gopkd.yaml", []byte(cfg))
	return p
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "gopkd version dev") {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestDetectCommand(t *testing.T) {
	p := newPKI(t)
	pemAsDER := writeFile(t, p.dir, "mislabelled.der", p.dsc.PEM())
	der := writeFile(t, p.dir, "dsc.cer", p.dsc.DER)

	out, err := execute(t, "--json", "detect", pemAsDER, der)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	var detected map[string]string
	if err := json.Unmarshal([]byte(out), &detected); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if detected[pemAsDER] != "PEM" || detected[der] != "CER" {
		t.Errorf("Unexpected formats %v", detected)
	}
}

func TestParseCommand(t *testing.T) {
	p := newPKI(t)
	bundle := writeFile(t, p.dir, "bundle.pem", append(p.newCSCA.PEM(), p.dsc.PEM()...))

	out, err := execute(t, "--json", "parse", bundle)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	var result parseOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if !result.Success || len(result.Certificates) != 2 {
		t.Fatalf("Unexpected result %+v", result)
	}
	if result.Certificates[0].Classification.Type != certvalidator.TypeCSCA ||
		result.Certificates[1].Classification.Type != certvalidator.TypeDSC {
		t.Errorf("Unexpected classifications %+v", result.Certificates)
	}

	junk := writeFile(t, p.dir, "junk.bin", []byte("not a certificate"))
	if _, err := execute(t, "parse", junk); err == nil {
		t.Error("Expected parse of junk to fail")
	}
}

func TestClassifyCommand(t *testing.T) {
	p := newPKI(t)
	link := writeFile(t, p.dir, "link.pem", p.link.PEM())

	out, err := execute(t, "classify", link)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	for _, want := range []string{"LINK_CERT", "CN=CSCA Germany 2015", "SHA-256:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	p := newPKI(t)
	dsc := writeFile(t, p.dir, "dsc.der", p.dsc.DER)
	newCSCA := writeFile(t, p.dir, "new.pem", p.newCSCA.PEM())
	oldCSCA := writeFile(t, p.dir, "old.pem", p.oldCSCA.PEM())

	tests := []struct {
		name    string
		args    []string
		wantErr error
		want    string
	}{
		{"issuer", []string{"validate", "--issuer", newCSCA, dsc}, nil, "VALID"},
		{"chain", []string{"validate", "--chain", newCSCA, dsc}, nil, "CN=DS Germany"},
		{"wrong issuer", []string{"validate", "--issuer", oldCSCA, dsc}, ErrVerificationFailed, "INVALID_SIGNATURE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("Expected %q in output:\n%s", tt.want, out)
			}
		})
	}

	if _, err := execute(t, "validate", "--issuer", newCSCA, "--chain", newCSCA, dsc); err == nil {
		t.Error("Expected --issuer and --chain to be mutually exclusive")
	}
}

func TestRevocationCommand(t *testing.T) {
	p := newPKI(t)
	dsc := writeFile(t, p.dir, "dsc.der", p.dsc.DER)

	out, err := execute(t, "--config", p.config, "--json", "revocation", dsc)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if v["status"] != "REVOKED" || v["crlExpired"] != false {
		t.Errorf("Unexpected verdict %v", v)
	}

	metrics, err := os.ReadFile(p.metrics)
	if err != nil {
		t.Fatalf("Failed to read metrics textfile: %v", err)
	}
	for _, want := range []string{
		`gopkd_revocation_checks_total{status="REVOKED",type="DSC"} 1`,
		`gopkd_trust_request_count{error="false",method="CheckRevocation"} 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("Expected %q in metrics:\n%s", want, metrics)
		}
	}

	logs, err := os.ReadFile(filepath.Join(p.dir, "gopkd.log"))
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(logs), "component=revocation-audit") {
		t.Errorf("Expected an audit record in the log:\n%s", logs)
	}
}

func TestLinkcertCommand(t *testing.T) {
	p := newPKI(t)
	link := writeFile(t, p.dir, "link.cer", p.link.DER)

	out, err := execute(t, "--config", p.config, "linkcert", link)
	if err != nil {
		t.Fatalf("linkcert failed: %v\n%s", err, out)
	}
	for _, want := range []string{"✓ signed by old CSCA", "Revocation:", "UNKNOWN"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	// Without the store the old CSCA cannot be found.
	if _, err := execute(t, "linkcert", link); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Expected ErrVerificationFailed without a store, got %v", err)
	}
}

type dataGroupHash struct {
	Number int
	Value  []byte
}

type ldsObject struct {
	Version       int
	HashAlgorithm pkix.AlgorithmIdentifier
	Hashes        []dataGroupHash
}

func TestSODCommand(t *testing.T) {
	p := newPKI(t)
	dg1 := []byte("P<D<<MUSTERMANN<<ERIKA<<<<<<<<<<<<<<<<<<<<<<")
	sum := sha256.Sum256(dg1)
	content, err := asn1.Marshal(ldsObject{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256},
		Hashes:        []dataGroupHash{{1, sum[:]}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal LDS security object: %v", err)
	}
	signed, err := cms.NewBuilder(p.dsc.Cert, p.dsc.Key, cms.SHA256WithECDSA, icao.OIDLDSSecurityObject).Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign SOD: %v", err)
	}
	wrapped, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassApplication, Tag: 23, IsCompound: true, Bytes: signed})
	if err != nil {
		t.Fatalf("Failed to wrap SOD: %v", err)
	}
	sodPath := writeFile(t, p.dir, "EF.SOD", wrapped)
	dg1Path := writeFile(t, p.dir, "EF.DG1", dg1)
	tampered := writeFile(t, p.dir, "EF.DG1.bad", []byte("P<D<<MUSTERMANN<<MAX"))

	out, err := execute(t, "sod", "--dg", "1="+dg1Path, sodPath)
	if err != nil {
		t.Fatalf("sod failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓ DG1") || !strings.Contains(out, "✓ signature") {
		t.Errorf("Unexpected output:\n%s", out)
	}

	out, err = execute(t, "--json", "sod", "--dg", "DG1="+tampered, sodPath)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}
	var result struct {
		Success    bool            `json:"success"`
		Signature  map[string]any  `json:"signature"`
		DataGroups map[string]bool `json:"dataGroupsVerified"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if !result.Success || result.Signature["valid"] != true || result.DataGroups["1"] {
		t.Errorf("Unexpected result %+v", result)
	}

	if _, err := execute(t, "sod", "--dg", "17="+dg1Path, sodPath); err == nil {
		t.Error("Expected an out of range data group to be rejected")
	}
}

func TestParseDataGroupFlag(t *testing.T) {
	tests := []struct {
		value   string
		dg      int
		path    string
		wantErr bool
	}{
		{"1=EF.DG1", 1, "EF.DG1", false},
		{"dg14=/tmp/dg14.bin", 14, "/tmp/dg14.bin", false},
		{"0=EF.DG0", 0, "", true},
		{"16=dg16.bin", 16, "dg16.bin", false},
		{"17=x", 0, "", true},
		{"1", 0, "", true},
		{"one=x", 0, "", true},
	}

	for _, tt := range tests {
		dg, path, err := parseDataGroupFlag(tt.value)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDataGroupFlag(%q) expected error", tt.value)
			}
			continue
		}
		if err != nil || dg != tt.dg || path != tt.path {
			t.Errorf("parseDataGroupFlag(%q) = %d, %q, %v", tt.value, dg, path, err)
		}
	}
}

func TestMasterlistCommand(t *testing.T) {
	p := newPKI(t)
	signer := pkdtest.MasterListSigner(t, p.newCSCA)
	content, err := asn1.Marshal(struct {
		Version  int
		CertList []asn1.RawValue `asn1:"set"`
	}{CertList: []asn1.RawValue{{FullBytes: p.oldCSCA.DER}, {FullBytes: p.newCSCA.DER}}})
	if err != nil {
		t.Fatalf("Failed to marshal master list: %v", err)
	}
	ml, err := cms.NewBuilder(signer.Cert, signer.Key, cms.SHA256WithECDSA, icao.OIDCSCAMasterList).Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign master list: %v", err)
	}
	path := writeFile(t, p.dir, "ml.ml", ml)

	out, err := execute(t, "--json", "masterlist", "--import", path)
	if err != nil {
		t.Fatalf("masterlist failed: %v\n%s", err, out)
	}
	var result masterListOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if !result.SignatureValid || len(result.CSCAs) != 2 || result.Imported != 2 {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestImportCommand(t *testing.T) {
	p := newPKI(t)
	dsc := writeFile(t, p.dir, "extra/dsc.der", p.dsc.DER)

	out, err := execute(t, "--json", "import", filepath.Join(p.dir, "store"), filepath.Join(p.dir, "crls"), dsc)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if report["files"] != 4.0 || report["cscas"] != 2.0 || report["crls"] != 1.0 || report["skipped"] != 1.0 {
		t.Errorf("Unexpected report %v", report)
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "bad.yaml", []byte("store:\n  driver: sqlite\n"))
	if _, err := execute(t, "--config", cfg, "detect", cfg); err == nil {
		t.Error("Expected an invalid configuration to fail")
	}
}
