package trust

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/linkcert"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/format"
	"github.com/georgepadayatti/gopkd/icao/deviation"
	"github.com/georgepadayatti/gopkd/icao/masterlist"
	"github.com/georgepadayatti/gopkd/icao/sod"
)

// Middleware decorates a Service.
type Middleware func(Service) Service

// LoggingMiddleware logs every call with its duration and outcome.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func subject(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.String()
}

func (mw loggingMiddleware) DetectFormat(ctx context.Context, filename string, content []byte) (f format.Format) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "DetectFormat",
			"filename", filename,
			"format", f,
			"took", time.Since(begin),
		)
	}(time.Now())
	return mw.next.DetectFormat(ctx, filename, content)
}

func (mw loggingMiddleware) ParseCertificates(ctx context.Context, data []byte, f format.Format) (r *certs.ParseResult) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ParseCertificates",
			"format", f,
			"certificates", len(r.Certificates),
			"crls", len(r.CRLs),
			"failed", r.FailedCount,
			"took", time.Since(begin),
		)
	}(time.Now())
	return mw.next.ParseCertificates(ctx, data, f)
}

func (mw loggingMiddleware) Classify(ctx context.Context, cert *x509.Certificate) (c certvalidator.Classification) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Classify",
			"subject", subject(cert),
			"type", c.Type,
			"took", time.Since(begin),
		)
	}(time.Now())
	return mw.next.Classify(ctx, cert)
}

func (mw loggingMiddleware) ValidateCertificate(ctx context.Context, cert, issuer *x509.Certificate, chain []*x509.Certificate) (r *certvalidator.ValidationResult, err error) {
	defer func(begin time.Time) {
		var status interface{}
		if r != nil {
			status = r.Status
		}
		mw.logger.Log(
			"method", "ValidateCertificate",
			"subject", subject(cert),
			"chain", len(chain),
			"status", status,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.ValidateCertificate(ctx, cert, issuer, chain)
}

func (mw loggingMiddleware) CheckRevocation(ctx context.Context, id revinfo.CertificateIdentity) (v *revinfo.Verdict, err error) {
	defer func(begin time.Time) {
		var status interface{}
		if v != nil {
			status = v.Status
		}
		mw.logger.Log(
			"method", "CheckRevocation",
			"serial", id.SerialHex,
			"issuer", id.IssuerDN,
			"status", status,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.CheckRevocation(ctx, id)
}

func (mw loggingMiddleware) IsCRLExpired(ctx context.Context, issuerDN string) (expired bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "IsCRLExpired",
			"issuer", issuerDN,
			"expired", expired,
			"took", time.Since(begin),
		)
	}(time.Now())
	return mw.next.IsCRLExpired(ctx, issuerDN)
}

func (mw loggingMiddleware) ValidateLinkCertificate(ctx context.Context, der []byte) (v *linkcert.Verdict, err error) {
	defer func(begin time.Time) {
		keyvals := []interface{}{"method", "ValidateLinkCertificate"}
		if v != nil {
			keyvals = append(keyvals, "link", v.LinkCertificate, "valid", v.TrustChainValid, "stage", v.FailedStage)
		}
		mw.logger.Log(append(keyvals, "took", time.Since(begin), "err", err)...)
	}(time.Now())
	return mw.next.ValidateLinkCertificate(ctx, der)
}

func (mw loggingMiddleware) ParseSOD(ctx context.Context, data []byte) (d *sod.Data, err error) {
	defer func(begin time.Time) {
		keyvals := []interface{}{"method", "ParseSOD"}
		if d != nil {
			keyvals = append(keyvals, "success", d.Success, "dataGroups", len(d.DataGroupHashes), "warnings", len(d.Warnings))
		}
		mw.logger.Log(append(keyvals, "took", time.Since(begin), "err", err)...)
	}(time.Now())
	return mw.next.ParseSOD(ctx, data)
}

func (mw loggingMiddleware) VerifySODSignature(ctx context.Context, data []byte, dsc *x509.Certificate) (v *sod.SignatureVerdict, err error) {
	defer func(begin time.Time) {
		var valid bool
		if v != nil {
			valid = v.Valid
		}
		mw.logger.Log(
			"method", "VerifySODSignature",
			"dsc", subject(dsc),
			"valid", valid,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.VerifySODSignature(ctx, data, dsc)
}

func (mw loggingMiddleware) ParseDeviationList(ctx context.Context, data []byte) (l *deviation.List, err error) {
	defer func(begin time.Time) {
		keyvals := []interface{}{"method", "ParseDeviationList"}
		if l != nil {
			keyvals = append(keyvals, "success", l.Success, "entries", len(l.Entries), "signatureValid", l.SignatureValid)
		}
		mw.logger.Log(append(keyvals, "took", time.Since(begin), "err", err)...)
	}(time.Now())
	return mw.next.ParseDeviationList(ctx, data)
}

func (mw loggingMiddleware) ParseMasterList(ctx context.Context, data []byte) (ml *masterlist.MasterList, err error) {
	defer func(begin time.Time) {
		keyvals := []interface{}{"method", "ParseMasterList"}
		if ml != nil {
			keyvals = append(keyvals, "success", ml.Success, "cscas", len(ml.Certificates), "signatureValid", ml.SignatureValid)
		}
		mw.logger.Log(append(keyvals, "took", time.Since(begin), "err", err)...)
	}(time.Now())
	return mw.next.ParseMasterList(ctx, data)
}
