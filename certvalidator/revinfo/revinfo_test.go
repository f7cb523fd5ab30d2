package revinfo

import (
	"context"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/internal/pkdtest"
)

type mapProvider struct {
	crls  map[string]*CRLRecord
	calls int
}

func (p *mapProvider) LatestCRL(_ context.Context, issuerDN string) (*CRLRecord, error) {
	p.calls++
	return p.crls[issuerDN], nil
}

type recordingSink struct {
	verdicts []*Verdict
}

func (s *recordingSink) RecordRevocationCheck(_ context.Context, v *Verdict) {
	s.verdicts = append(s.verdicts, v)
}

type panickingSink struct{}

func (panickingSink) RecordRevocationCheck(context.Context, *Verdict) {
	panic("audit backend down")
}

func newFixture(t *testing.T) (*pkdtest.Identity, *mapProvider, time.Time) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	csca := pkdtest.CSCA(t, "DE", "CSCA")

	raw := pkdtest.CRL(t, csca, now.Add(-time.Hour), now.Add(24*time.Hour),
		pkdtest.Revoked{Serial: pkdtest.HexSerial(t, "01")},
		pkdtest.Revoked{Serial: pkdtest.HexSerial(t, "1A2B3C"), Reason: 1, At: now.Add(-2 * time.Hour)},
		pkdtest.Revoked{Serial: pkdtest.HexSerial(t, "FEDCBA98"), Reason: 4},
	)

	provider := &mapProvider{crls: map[string]*CRLRecord{
		csca.Cert.Subject.String(): {ID: "crl-1", Raw: raw, ThisUpdate: now.Add(-time.Hour), NextUpdate: now.Add(24 * time.Hour)},
	}}
	return csca, provider, now
}

func TestCheckRevocation(t *testing.T) {
	csca, provider, now := newFixture(t)
	issuer := csca.Cert.Subject.String()

	tests := []struct {
		name   string
		serial string
		issuer string
		want   RevocationStatus
		reason RevocationReason
	}{
		{"revoked serial", "1A2B3C", issuer, StatusRevoked, ReasonKeyCompromise},
		{"revoked serial lowercase", "fedcba98", issuer, StatusRevoked, ReasonSuperseded},
		{"revoked without reason", "01", issuer, StatusRevoked, ReasonUnspecified},
		{"not listed", "AABBCCDD", issuer, StatusGood, ReasonUnspecified},
		{"issuer without CRL", "1A2B3C", "CN=Nobody,C=XX", StatusUnknown, ReasonUnspecified},
		{"malformed serial", "not-hex", issuer, StatusUnknown, ReasonUnspecified},
	}

	checker := NewChecker(provider, WithClock(clockwork.NewFakeClockAt(now)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := checker.CheckRevocation(context.Background(), CertificateIdentity{
				ID:        "cert-1",
				Type:      certvalidator.TypeDSC,
				SerialHex: tt.serial,
				IssuerDN:  tt.issuer,
			})
			if err != nil {
				t.Fatalf("CheckRevocation failed: %v", err)
			}
			if v.Status != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, v.Status, v.Cause)
			}
			if v.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, v.Reason)
			}
			if tt.want == StatusRevoked && v.RevocationTime == nil {
				t.Error("Expected revocation time")
			}
			if tt.want == StatusUnknown && v.Cause == "" {
				t.Error("Expected cause for UNKNOWN verdict")
			}
			if tt.want != StatusUnknown && (v.CRLID != "crl-1" || v.ThisUpdate == nil || v.NextUpdate == nil) {
				t.Errorf("Expected CRL metadata, got %+v", v)
			}
		})
	}
}

func TestCheckRevocationNoCRLCause(t *testing.T) {
	checker := NewChecker(&mapProvider{})
	v, err := checker.CheckRevocation(context.Background(), CertificateIdentity{SerialHex: "01", IssuerDN: "C=DE"})
	if err != nil {
		t.Fatalf("CheckRevocation failed: %v", err)
	}
	if v.Status != StatusUnknown || v.Cause != "no CRL available" {
		t.Errorf("Expected UNKNOWN(no CRL available), got %s(%s)", v.Status, v.Cause)
	}
}

func TestCheckRevocationParseFailure(t *testing.T) {
	provider := &mapProvider{crls: map[string]*CRLRecord{
		"C=DE": {ID: "broken", Raw: []byte{0x30, 0x03, 0x02, 0x01, 0x01}},
	}}
	v, err := NewChecker(provider).CheckRevocation(context.Background(), CertificateIdentity{SerialHex: "01", IssuerDN: "C=DE"})
	if err != nil {
		t.Fatalf("Parse failures must not surface as errors: %v", err)
	}
	if v.Status != StatusUnknown {
		t.Errorf("Expected UNKNOWN, got %s", v.Status)
	}
}

func TestCheckRevocationProviderError(t *testing.T) {
	provider := CRLProviderFunc(func(context.Context, string) (*CRLRecord, error) {
		return nil, errors.New("connection refused")
	})
	v, err := NewChecker(provider).CheckRevocation(context.Background(), CertificateIdentity{SerialHex: "01"})
	if err != nil {
		t.Fatalf("Provider errors must not surface as errors: %v", err)
	}
	if v.Status != StatusUnknown {
		t.Errorf("Expected UNKNOWN, got %s", v.Status)
	}
}

func TestCheckRevocationEmptyCRL(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	now := time.Now()
	raw := pkdtest.CRL(t, csca, now.Add(-time.Hour), now.Add(time.Hour))
	provider := &mapProvider{crls: map[string]*CRLRecord{"C=DE": {Raw: raw}}}

	v, _ := NewChecker(provider).CheckRevocation(context.Background(), CertificateIdentity{SerialHex: "zz", IssuerDN: "C=DE"})
	if v.Status != StatusGood {
		t.Errorf("Expected GOOD for empty CRL, got %s", v.Status)
	}
}

func TestCheckRevocationAuditSink(t *testing.T) {
	csca, provider, _ := newFixture(t)
	sink := &recordingSink{}
	checker := NewChecker(provider, WithAuditSink(sink))

	ids := []CertificateIdentity{
		{SerialHex: "1A2B3C", IssuerDN: csca.Cert.Subject.String()},
		{SerialHex: "1A2B3C", IssuerDN: "C=XX"},
	}
	for _, id := range ids {
		if _, err := checker.CheckRevocation(context.Background(), id); err != nil {
			t.Fatalf("CheckRevocation failed: %v", err)
		}
	}
	if len(sink.verdicts) != 2 {
		t.Fatalf("Expected every outcome to be audited, got %d", len(sink.verdicts))
	}
	if sink.verdicts[1].Status != StatusUnknown {
		t.Errorf("Expected UNKNOWN verdict to be audited, got %s", sink.verdicts[1].Status)
	}

	panicky := NewChecker(provider, WithAuditSink(panickingSink{}))
	v, err := panicky.CheckRevocation(context.Background(), ids[0])
	if err != nil || v.Status != StatusRevoked {
		t.Errorf("A failing audit sink must not change the verdict: %v %v", v, err)
	}
}

func TestCheckRevocationNilProvider(t *testing.T) {
	var cfgErr *certvalidator.ConfigurationError
	_, err := NewChecker(nil).CheckRevocation(context.Background(), CertificateIdentity{})
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestCheckCertificate(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	dsc := pkdtest.DSC(t, csca, "DSC")
	now := time.Now()
	raw := pkdtest.CRL(t, csca, now.Add(-time.Hour), now.Add(time.Hour), pkdtest.Revoked{Serial: dsc.Cert.SerialNumber})
	provider := &mapProvider{crls: map[string]*CRLRecord{csca.Cert.Subject.String(): {Raw: raw}}}

	v, err := NewChecker(provider).CheckCertificate(context.Background(), dsc.Cert)
	if err != nil {
		t.Fatalf("CheckCertificate failed: %v", err)
	}
	if v.Status != StatusRevoked {
		t.Errorf("Expected REVOKED, got %s", v.Status)
	}
	if v.CertificateType != certvalidator.TypeDSC {
		t.Errorf("Expected DSC identity, got %s", v.CertificateType)
	}
}

func TestParseCRLRoundTrip(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	now := time.Now()

	for _, n := range []int{0, 1, 5, 50} {
		want := make(map[string]bool, n)
		var revoked []pkdtest.Revoked
		for i := 0; i < n; i++ {
			serial := big.NewInt(int64(1000 + i*7))
			want[serial.String()] = true
			revoked = append(revoked, pkdtest.Revoked{Serial: serial})
		}

		crl, err := ParseCRL(pkdtest.CRL(t, csca, now, now.Add(time.Hour), revoked...))
		if err != nil {
			t.Fatalf("ParseCRL failed: %v", err)
		}
		if len(crl.Entries) != n {
			t.Errorf("Expected %d entries, got %d", n, len(crl.Entries))
		}
		for _, e := range crl.Entries {
			if !want[e.Serial.String()] {
				t.Errorf("Unexpected serial %s", e.Serial)
			}
		}
	}
}

func TestParseCRLPEM(t *testing.T) {
	csca := pkdtest.CSCA(t, "DE", "CSCA")
	now := time.Now()
	der := pkdtest.CRL(t, csca, now, now.Add(time.Hour))
	data := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	crl, err := ParseCRL(data)
	if err != nil {
		t.Fatalf("ParseCRL failed: %v", err)
	}
	if crl.Issuer != csca.Cert.Subject.String() {
		t.Errorf("Unexpected issuer %q", crl.Issuer)
	}

	if _, err := ParseCRL([]byte("garbage")); !errors.Is(err, ErrCRLParse) {
		t.Errorf("Expected ErrCRLParse, got %v", err)
	}
}

func TestIsCRLExpired(t *testing.T) {
	csca, provider, now := newFixture(t)
	issuer := csca.Cert.Subject.String()

	fresh := NewChecker(provider, WithClock(clockwork.NewFakeClockAt(now)))
	if fresh.IsCRLExpired(context.Background(), issuer) {
		t.Error("CRL should not be expired before nextUpdate")
	}

	stale := NewChecker(provider, WithClock(clockwork.NewFakeClockAt(now.Add(48*time.Hour))))
	if !stale.IsCRLExpired(context.Background(), issuer) {
		t.Error("CRL should be expired after nextUpdate")
	}

	if !fresh.IsCRLExpired(context.Background(), "C=XX") {
		t.Error("Missing CRL should count as expired")
	}
}

func TestReasonFromCode(t *testing.T) {
	tests := []struct {
		code int
		want RevocationReason
	}{
		{0, ReasonUnspecified},
		{1, ReasonKeyCompromise},
		{6, ReasonCertificateHold},
		{7, ReasonUnspecified},
		{10, ReasonAACompromise},
		{11, ReasonUnspecified},
	}

	for _, tt := range tests {
		if got := ReasonFromCode(tt.code); got != tt.want {
			t.Errorf("ReasonFromCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestVerdictBlocking(t *testing.T) {
	tests := []struct {
		status  RevocationStatus
		strict  bool
		blocked bool
	}{
		{StatusGood, false, false},
		{StatusGood, true, false},
		{StatusRevoked, false, true},
		{StatusUnknown, false, false},
		{StatusUnknown, true, true},
	}

	for _, tt := range tests {
		v := &Verdict{Status: tt.status}
		if got := v.Blocking(tt.strict); got != tt.blocked {
			t.Errorf("%s strict=%v: Blocking() = %v, want %v", tt.status, tt.strict, got, tt.blocked)
		}
	}
}
