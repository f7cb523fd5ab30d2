// Package relational stores CSCAs and CRLs in a SQL database through
// database/sql. The "postgres" (lib/pq) and "pgx" (pgx/v5 stdlib) drivers
// are supported; both are registered by the gopkd command.
package relational

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/store"
)

var _ store.Store = (*DB)(nil)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// ErrUnsupportedDriver is returned by Open for drivers other than
// DriverPostgres and DriverPgx.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

const schema = `
CREATE TABLE IF NOT EXISTS csca_certificate (
	fingerprint        TEXT PRIMARY KEY,
	subject_dn         TEXT NOT NULL,
	issuer_dn          TEXT NOT NULL,
	not_before         TIMESTAMPTZ NOT NULL,
	certificate_binary BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS csca_certificate_subject_dn ON csca_certificate (subject_dn);
CREATE INDEX IF NOT EXISTS csca_certificate_issuer_dn ON csca_certificate (issuer_dn);
CREATE TABLE IF NOT EXISTS crl (
	id          TEXT PRIMARY KEY,
	issuer_dn   TEXT NOT NULL,
	this_update TIMESTAMPTZ NOT NULL,
	next_update TIMESTAMPTZ,
	crl_binary  BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS crl_issuer_dn ON crl (issuer_dn, this_update DESC);
`

// DB is a store.Store backed by a SQL database. Distinguished names are
// written and queried in their store.NormalizeDN form.
type DB struct {
	db     *sql.DB
	logger log.Logger
}

// Open connects to dsn with driverName and verifies the connection.
func Open(ctx context.Context, driverName, dsn string, logger log.Logger) (*DB, error) {
	switch driverName {
	case DriverPostgres, DriverPgx:
	default:
		return nil, certvalidator.NewConfigurationError("open store", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driverName))
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		level.Error(logger).Log("err", err, "msg", "Could not connect to PKD database")
		return nil, err
	}
	level.Info(logger).Log("msg", "Connection established with PKD database", "driver", driverName)
	return New(db, logger), nil
}

// New wraps an open database handle.
func New(db *sql.DB, logger log.Logger) *DB {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &DB{db: db, logger: log.With(logger, "component", "relational-store")}
}

// Close closes the database handle.
func (r *DB) Close() error {
	return r.db.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (r *DB) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not create PKD schema")
		return err
	}
	return nil
}

// AddCSCA inserts cert unless a certificate with the same fingerprint is
// already stored.
func (r *DB) AddCSCA(ctx context.Context, cert *x509.Certificate) error {
	if cert == nil {
		return certvalidator.NewConfigurationError("add CSCA", certvalidator.ErrNilCertificate)
	}
	c := certvalidator.Classify(cert)
	if c.Type != certvalidator.TypeCSCA {
		return fmt.Errorf("%w: %s is %s", store.ErrNotCSCA, cert.Subject, c.Type)
	}

	sqlStatement := `
	INSERT INTO csca_certificate(fingerprint, subject_dn, issuer_dn, not_before, certificate_binary)
	VALUES($1, $2, $3, $4, $5)
	ON CONFLICT (fingerprint) DO NOTHING;
	`
	_, err := r.db.ExecContext(ctx, sqlStatement,
		c.Fingerprint,
		store.NormalizeDN(cert.Subject.String()),
		store.NormalizeDN(cert.Issuer.String()),
		cert.NotBefore.UTC(),
		cert.Raw,
	)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not insert CSCA "+cert.Subject.String())
		return err
	}
	level.Debug(r.logger).Log("msg", "CSCA stored", "subject", cert.Subject.String(), "fingerprint", c.Fingerprint)
	return nil
}

// AddCRL parses der and inserts it under a fresh record ID.
func (r *DB) AddCRL(ctx context.Context, der []byte) (*revinfo.CRLRecord, error) {
	crl, err := revinfo.ParseCRL(der)
	if err != nil {
		return nil, err
	}
	record := &revinfo.CRLRecord{
		ID:         uuid.NewString(),
		IssuerDN:   crl.Issuer,
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
		Raw:        crl.Raw,
	}

	var nextUpdate sql.NullTime
	if !crl.NextUpdate.IsZero() {
		nextUpdate = sql.NullTime{Time: crl.NextUpdate, Valid: true}
	}

	sqlStatement := `
	INSERT INTO crl(id, issuer_dn, this_update, next_update, crl_binary)
	VALUES($1, $2, $3, $4, $5);
	`
	if _, err := r.db.ExecContext(ctx, sqlStatement, record.ID, store.NormalizeDN(crl.Issuer), crl.ThisUpdate, nextUpdate, crl.Raw); err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not insert CRL of "+crl.Issuer)
		return nil, err
	}
	level.Info(r.logger).Log("msg", "CRL stored", "id", record.ID, "issuer", crl.Issuer, "entries", len(crl.Entries))
	return record, nil
}

// FindBySubjectDN returns the newest CSCA whose subject matches dn.
func (r *DB) FindBySubjectDN(ctx context.Context, dn string) ([]byte, error) {
	return r.findCSCA(ctx, `
	SELECT certificate_binary
	FROM csca_certificate
	WHERE subject_dn = $1
	ORDER BY not_before DESC
	LIMIT 1;
	`, dn)
}

// FindByIssuerDN returns the newest CSCA whose issuer matches dn.
func (r *DB) FindByIssuerDN(ctx context.Context, dn string) ([]byte, error) {
	return r.findCSCA(ctx, `
	SELECT certificate_binary
	FROM csca_certificate
	WHERE issuer_dn = $1
	ORDER BY not_before DESC
	LIMIT 1;
	`, dn)
}

func (r *DB) findCSCA(ctx context.Context, query, dn string) ([]byte, error) {
	var der []byte
	err := r.db.QueryRowContext(ctx, query, store.NormalizeDN(dn)).Scan(&der)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not look up CSCA "+dn)
		return nil, err
	}
	return der, nil
}

// LatestCRL returns the CRL with the highest this_update for issuerDN, or
// nil when none is stored.
func (r *DB) LatestCRL(ctx context.Context, issuerDN string) (*revinfo.CRLRecord, error) {
	sqlStatement := `
	SELECT id, issuer_dn, this_update, next_update, crl_binary
	FROM crl
	WHERE issuer_dn = $1
	ORDER BY this_update DESC
	LIMIT 1;
	`
	var (
		record     revinfo.CRLRecord
		thisUpdate time.Time
		nextUpdate sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, sqlStatement, store.NormalizeDN(issuerDN)).
		Scan(&record.ID, &record.IssuerDN, &thisUpdate, &nextUpdate, &record.Raw)
	if errors.Is(err, sql.ErrNoRows) {
		level.Debug(r.logger).Log("msg", "No CRL stored", "issuer", issuerDN)
		return nil, nil
	}
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not look up CRL of "+issuerDN)
		return nil, err
	}
	record.ThisUpdate = thisUpdate.UTC()
	if nextUpdate.Valid {
		record.NextUpdate = nextUpdate.Time.UTC()
	}
	return &record, nil
}
