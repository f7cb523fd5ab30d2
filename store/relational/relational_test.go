package relational

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/internal/pkdtest"
	"github.com/georgepadayatti/gopkd/store"
)

// openTestDB connects to the database named by GOPKD_TEST_DSN using
// GOPKD_TEST_DRIVER (default "pgx"). The test is skipped when no DSN is set.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("GOPKD_TEST_DSN")
	if dsn == "" {
		t.Skip("GOPKD_TEST_DSN not set")
	}
	driver := os.Getenv("GOPKD_TEST_DRIVER")
	if driver == "" {
		driver = DriverPgx
	}

	ctx := context.Background()
	db, err := Open(ctx, driver, dsn, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "sqlite3", "file::memory:", log.NewNopLogger())
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("Expected ErrUnsupportedDriver, got %v", err)
	}
	var cfgErr *certvalidator.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected a ConfigurationError, got %T", err)
	}
}

func TestAddCSCARejectsBeforeQuerying(t *testing.T) {
	// A nil handle proves the checks run before any query.
	r := New(nil, nil)
	csca := pkdtest.CSCA(t, "FR", "CSCA France")
	dsc := pkdtest.DSC(t, csca, "DS France")

	if err := r.AddCSCA(context.Background(), dsc.Cert); !errors.Is(err, store.ErrNotCSCA) {
		t.Errorf("Expected ErrNotCSCA, got %v", err)
	}
	if err := r.AddCSCA(context.Background(), nil); err == nil {
		t.Error("Expected an error for a nil certificate")
	}
	if _, err := r.AddCRL(context.Background(), []byte("junk")); err == nil {
		t.Error("Expected an invalid CRL to be rejected")
	}
}

func TestRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Unique DNs keep reruns against the same database independent.
	suffix := time.Now().Format("20060102150405.000000000")
	csca := pkdtest.CSCA(t, "DE", "CSCA Germany "+suffix)
	if err := db.AddCSCA(ctx, csca.Cert); err != nil {
		t.Fatalf("AddCSCA failed: %v", err)
	}
	if err := db.AddCSCA(ctx, csca.Cert); err != nil {
		t.Fatalf("Duplicate AddCSCA failed: %v", err)
	}

	dn := csca.Cert.Subject.String()
	for name, find := range map[string]func(context.Context, string) ([]byte, error){
		"subject": db.FindBySubjectDN,
		"issuer":  db.FindByIssuerDN,
	} {
		got, err := find(ctx, strings.ToUpper(dn))
		if err != nil {
			t.Fatalf("%s lookup failed: %v", name, err)
		}
		if !bytes.Equal(got, csca.DER) {
			t.Errorf("%s lookup returned the wrong certificate", name)
		}
	}
	if got, err := db.FindBySubjectDN(ctx, "CN=Nobody "+suffix); err != nil || got != nil {
		t.Errorf("Expected no match, got %d bytes, %v", len(got), err)
	}

	if rec, err := db.LatestCRL(ctx, dn); err != nil || rec != nil {
		t.Fatalf("Expected no CRL, got %v, %v", rec, err)
	}
	base := time.Now().UTC().Truncate(time.Second)
	if _, err := db.AddCRL(ctx, pkdtest.CRL(t, csca, base.Add(-2*time.Hour), base.Add(time.Hour))); err != nil {
		t.Fatalf("AddCRL failed: %v", err)
	}
	newest, err := db.AddCRL(ctx, pkdtest.CRL(t, csca, base.Add(-time.Hour), base.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("AddCRL failed: %v", err)
	}

	latest, err := db.LatestCRL(ctx, dn)
	if err != nil {
		t.Fatalf("LatestCRL failed: %v", err)
	}
	if latest == nil || latest.ID != newest.ID || !latest.NextUpdate.Equal(base.Add(2*time.Hour)) {
		t.Errorf("Expected the newest CRL, got %+v", latest)
	}
}
