package sod

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/icao"
	"github.com/georgepadayatti/gopkd/internal/pkdtest"
)

type dataGroupHash struct {
	Number int
	Value  []byte
}

type ldsObject struct {
	Version       int
	HashAlgorithm pkix.AlgorithmIdentifier
	Hashes        []dataGroupHash
}

var (
	dg1 = []byte("P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<")
	dg2 = []byte("face image")
)

func sha256Of(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func ldsContent(t *testing.T, hashes ...dataGroupHash) []byte {
	t.Helper()
	out, err := asn1.Marshal(ldsObject{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256},
		Hashes:        hashes,
	})
	if err != nil {
		t.Fatalf("Failed to marshal LDS security object: %v", err)
	}
	return out
}

func signSOD(t *testing.T, dsc *pkdtest.Identity, alg cms.SignatureAlgorithm, content []byte) []byte {
	t.Helper()
	b := cms.NewBuilder(dsc.Cert, dsc.Key, alg, icao.OIDLDSSecurityObject)
	b.SetSigningTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	signed, err := b.Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign SOD: %v", err)
	}
	wrapped, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassApplication, Tag: 23, IsCompound: true, Bytes: signed})
	if err != nil {
		t.Fatalf("Failed to wrap SOD: %v", err)
	}
	if wrapped[0] != icao.SODTag {
		t.Fatalf("Unexpected wrapper tag 0x%02x", wrapped[0])
	}
	return wrapped
}

func standardSOD(t *testing.T) (*pkdtest.Identity, []byte) {
	t.Helper()
	csca := pkdtest.CSCA(t, "UT", "CSCA Utopia")
	dsc := pkdtest.DSC(t, csca, "DS Utopia")
	content := ldsContent(t,
		dataGroupHash{1, sha256Of(dg1)},
		dataGroupHash{2, sha256Of(dg2)},
	)
	return dsc, signSOD(t, dsc, cms.SHA256WithECDSA, content)
}

func TestParse(t *testing.T) {
	dsc, raw := standardSOD(t)

	data, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !data.Success {
		t.Fatalf("Expected success, got error %q", data.Error)
	}
	if len(data.DataGroupHashes) != 2 {
		t.Fatalf("Expected 2 data group hashes, got %d", len(data.DataGroupHashes))
	}
	if data.DataGroupHashes[1] != hex.EncodeToString(sha256Of(dg1)) {
		t.Errorf("DG1 hash = %s", data.DataGroupHashes[1])
	}
	if data.DataGroupHashes[2] != hex.EncodeToString(sha256Of(dg2)) {
		t.Errorf("DG2 hash = %s", data.DataGroupHashes[2])
	}
	if data.HashAlgorithm != "SHA-256" || data.HashAlgorithmOID != "2.16.840.1.101.3.4.2.1" {
		t.Errorf("Unexpected hash algorithm %s (%s)", data.HashAlgorithm, data.HashAlgorithmOID)
	}
	if data.SignatureAlgorithm != "SHA256withECDSA" {
		t.Errorf("Unexpected signature algorithm %s", data.SignatureAlgorithm)
	}
	if data.SigningTime != "2024-03-01T12:00:00Z" {
		t.Errorf("Unexpected signing time %q", data.SigningTime)
	}
	if data.DSC == nil || data.DSC.SerialNumber.Cmp(dsc.Cert.SerialNumber) != 0 {
		t.Error("Expected the document signer certificate")
	}
	if len(data.Warnings) != 0 {
		t.Errorf("Unexpected warnings: %v", data.Warnings)
	}
}

func TestParseAlgorithmNames(t *testing.T) {
	csca := pkdtest.CSCA(t, "NL", "CSCA NL", pkdtest.WithRSAKey())
	dsc := pkdtest.DSC(t, csca, "DS NL", pkdtest.WithRSAKey())
	content := ldsContent(t, dataGroupHash{1, sha256Of(dg1)}, dataGroupHash{2, sha256Of(dg2)})

	signed, err := cms.NewBuilder(dsc.Cert, dsc.Key, cms.SHA256WithRSA, icao.OIDLDSSecurityObject).Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	// Without the 0x77 wrapper.
	data, err := Parse(signed)
	if err != nil || !data.Success {
		t.Fatalf("Parse failed: %v %q", err, data.Error)
	}
	if data.SignatureAlgorithmOID != "1.2.840.113549.1.1.11" || data.SignatureAlgorithm != "SHA256withRSA" {
		t.Errorf("Unexpected signature algorithm %s (%s)", data.SignatureAlgorithm, data.SignatureAlgorithmOID)
	}

	unknown := cms.SignatureAlgorithm{
		DigestAlgorithm:    cms.OIDSHA256,
		SignatureAlgorithm: asn1.ObjectIdentifier{1, 2, 3, 4},
		Hash:               crypto.SHA256,
	}
	signed, err = cms.NewBuilder(dsc.Cert, dsc.Key, unknown, icao.OIDLDSSecurityObject).Sign(content)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	data, _ = Parse(signed)
	if data.SignatureAlgorithm != "1.2.3.4" {
		t.Errorf("Unknown OIDs must not be substituted, got %s", data.SignatureAlgorithm)
	}
	if len(data.Warnings) == 0 || !strings.Contains(data.Warnings[0], "unknown algorithm") {
		t.Errorf("Expected an unknown algorithm warning, got %v", data.Warnings)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"wrapper length past end", []byte{0x77, 0x82, 0x01, 0x00, 0x30}},
		{"wrapper length field truncated", []byte{0x77, 0x82, 0x01}},
		{"not CMS", []byte{0x30, 0x03, 0x02, 0x01, 0x01}},
		{"garbage", []byte("not a security object")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Parse(tt.data)
			if err != nil {
				t.Fatalf("Malformed input must not be an error: %v", err)
			}
			if data.Success || data.Error == "" {
				t.Errorf("Expected failure with message, got %+v", data)
			}
		})
	}

	var cfgErr *certvalidator.ConfigurationError
	if _, err := Parse(nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for empty input, got %v", err)
	}
}

func TestParseKeepsPartialHashes(t *testing.T) {
	csca := pkdtest.CSCA(t, "UT", "CSCA Utopia")
	dsc := pkdtest.DSC(t, csca, "DS Utopia")

	data, err := Parse(signSOD(t, dsc, cms.SHA256WithECDSA, malformedLDS(t)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if data.Success {
		t.Error("Expected failure for malformed LDS entry")
	}
	if len(data.DataGroupHashes) != 2 {
		t.Errorf("Expected the 2 hashes read before the bad entry, got %d", len(data.DataGroupHashes))
	}
	if data.DSC == nil || data.SignatureAlgorithm == "" {
		t.Error("Container fields should still be populated")
	}
}

// malformedLDS has two good entries followed by one lacking its hash value.
func malformedLDS(t *testing.T) []byte {
	t.Helper()
	good1, _ := asn1.Marshal(dataGroupHash{1, sha256Of(dg1)})
	good2, _ := asn1.Marshal(dataGroupHash{2, sha256Of(dg2)})
	bad, _ := asn1.Marshal(struct{ Number int }{3})

	out, err := asn1.Marshal(struct {
		Version       int
		HashAlgorithm pkix.AlgorithmIdentifier
		Hashes        []asn1.RawValue
	}{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256},
		Hashes:        []asn1.RawValue{{FullBytes: good1}, {FullBytes: good2}, {FullBytes: bad}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return out
}

func TestParseLDSSecurityObject(t *testing.T) {
	outOfRange, _ := asn1.Marshal(ldsObject{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256},
		Hashes:        []dataGroupHash{{1, []byte{1}}, {0, []byte{2}}},
	})
	duplicate, _ := asn1.Marshal(ldsObject{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256},
		Hashes:        []dataGroupHash{{1, []byte{1}}, {1, []byte{2}}, {14, []byte{3}}},
	})
	noVersion, _ := asn1.Marshal(struct {
		HashAlgorithm pkix.AlgorithmIdentifier
		Hashes        []dataGroupHash
	}{pkix.AlgorithmIdentifier{Algorithm: cms.OIDSHA256}, []dataGroupHash{{15, []byte{0xab}}}})

	tests := []struct {
		name     string
		data     []byte
		wantErr  bool
		entries  int
		warnings int
	}{
		{"empty", nil, true, 0, 0},
		{"not a sequence", []byte{0x04, 0x01, 0x00}, true, 0, 0},
		{"bad entry", malformedLDS(t), true, 2, 0},
		{"data group out of range", outOfRange, true, 1, 0},
		{"duplicate data group", duplicate, false, 2, 1},
		{"version omitted", noVersion, false, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lds, err := parseLDSSecurityObject(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(lds.hashes) != tt.entries {
				t.Errorf("Got %d entries, want %d", len(lds.hashes), tt.entries)
			}
			if len(lds.warnings) != tt.warnings {
				t.Errorf("Got %d warnings, want %d", len(lds.warnings), tt.warnings)
			}
		})
	}
}

func TestParseLDSSecurityObjectTruncated(t *testing.T) {
	full := ldsContent(t, dataGroupHash{1, sha256Of(dg1)}, dataGroupHash{2, sha256Of(dg2)})
	if _, err := parseLDSSecurityObject(full); err != nil {
		t.Fatalf("Full object failed: %v", err)
	}
	for i := 0; i < len(full); i++ {
		if _, err := parseLDSSecurityObject(full[:i]); err == nil {
			t.Fatalf("Expected error for %d of %d bytes", i, len(full))
		}
	}
}

func TestVerifySignature(t *testing.T) {
	dsc, raw := standardSOD(t)

	verdict, err := VerifySignature(raw, dsc.Cert)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if !verdict.Valid {
		t.Errorf("Expected valid signature: %s", verdict.Message)
	}

	other := pkdtest.DSC(t, pkdtest.CSCA(t, "UT", "CSCA Utopia"), "DS Other")
	verdict, err = VerifySignature(raw, other.Cert)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if verdict.Valid || verdict.Message == "" {
		t.Errorf("Expected invalid verdict with message, got %+v", verdict)
	}

	verdict, _ = VerifySignature([]byte{0x77, 0x01}, dsc.Cert)
	if verdict.Valid {
		t.Error("Truncated SOD must not verify")
	}

	var cfgErr *certvalidator.ConfigurationError
	if _, err := VerifySignature(raw, nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for nil DSC, got %v", err)
	}
}

func TestVerifyDataGroup(t *testing.T) {
	_, raw := standardSOD(t)
	data, err := Parse(raw)
	if err != nil || !data.Success {
		t.Fatalf("Parse failed: %v", err)
	}

	tests := []struct {
		name    string
		dg      int
		content []byte
		want    bool
		wantErr error
	}{
		{"DG1 matches", 1, dg1, true, nil},
		{"DG2 matches", 2, dg2, true, nil},
		{"DG1 tampered", 1, []byte("P<UTOERIKSSON<<ANNE"), false, nil},
		{"DG3 absent", 3, []byte("x"), false, ErrDataGroupNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyDataGroup(data, tt.dg, tt.content)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyDataGroup failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("VerifyDataGroup = %v, want %v", got, tt.want)
			}
		})
	}

	manual := &Data{DataGroupHashes: map[int]string{1: "00"}}
	if _, err := VerifyDataGroup(manual, 1, dg1); !errors.Is(err, icao.ErrUnknownAlgorithm) {
		t.Errorf("Expected ErrUnknownAlgorithm, got %v", err)
	}
}
