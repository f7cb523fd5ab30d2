package trust

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/certvalidator/linkcert"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/format"
	"github.com/georgepadayatti/gopkd/icao/deviation"
	"github.com/georgepadayatti/gopkd/icao/masterlist"
	"github.com/georgepadayatti/gopkd/icao/sod"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

// NewInstrumentingMiddleware counts calls and observes their latency in
// seconds, labelled by "method" and "error".
func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) observe(method string, failed bool, begin time.Time) {
	lvs := []string{"method", method, "error", fmt.Sprint(failed)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) DetectFormat(ctx context.Context, filename string, content []byte) (f format.Format) {
	defer func(begin time.Time) {
		mw.observe("DetectFormat", f == format.FormatUnknown, begin)
	}(time.Now())
	return mw.next.DetectFormat(ctx, filename, content)
}

func (mw *instrumentingMiddleware) ParseCertificates(ctx context.Context, data []byte, f format.Format) (r *certs.ParseResult) {
	defer func(begin time.Time) {
		mw.observe("ParseCertificates", r == nil || !r.Success, begin)
	}(time.Now())
	return mw.next.ParseCertificates(ctx, data, f)
}

func (mw *instrumentingMiddleware) Classify(ctx context.Context, cert *x509.Certificate) (c certvalidator.Classification) {
	defer func(begin time.Time) {
		mw.observe("Classify", c.Error != "", begin)
	}(time.Now())
	return mw.next.Classify(ctx, cert)
}

func (mw *instrumentingMiddleware) ValidateCertificate(ctx context.Context, cert, issuer *x509.Certificate, chain []*x509.Certificate) (r *certvalidator.ValidationResult, err error) {
	defer func(begin time.Time) {
		mw.observe("ValidateCertificate", err != nil, begin)
	}(time.Now())
	return mw.next.ValidateCertificate(ctx, cert, issuer, chain)
}

func (mw *instrumentingMiddleware) CheckRevocation(ctx context.Context, id revinfo.CertificateIdentity) (v *revinfo.Verdict, err error) {
	defer func(begin time.Time) {
		mw.observe("CheckRevocation", err != nil, begin)
	}(time.Now())
	return mw.next.CheckRevocation(ctx, id)
}

func (mw *instrumentingMiddleware) IsCRLExpired(ctx context.Context, issuerDN string) bool {
	defer func(begin time.Time) {
		mw.observe("IsCRLExpired", false, begin)
	}(time.Now())
	return mw.next.IsCRLExpired(ctx, issuerDN)
}

func (mw *instrumentingMiddleware) ValidateLinkCertificate(ctx context.Context, der []byte) (v *linkcert.Verdict, err error) {
	defer func(begin time.Time) {
		mw.observe("ValidateLinkCertificate", err != nil, begin)
	}(time.Now())
	return mw.next.ValidateLinkCertificate(ctx, der)
}

func (mw *instrumentingMiddleware) ParseSOD(ctx context.Context, data []byte) (d *sod.Data, err error) {
	defer func(begin time.Time) {
		mw.observe("ParseSOD", err != nil, begin)
	}(time.Now())
	return mw.next.ParseSOD(ctx, data)
}

func (mw *instrumentingMiddleware) VerifySODSignature(ctx context.Context, data []byte, dsc *x509.Certificate) (v *sod.SignatureVerdict, err error) {
	defer func(begin time.Time) {
		mw.observe("VerifySODSignature", err != nil, begin)
	}(time.Now())
	return mw.next.VerifySODSignature(ctx, data, dsc)
}

func (mw *instrumentingMiddleware) ParseDeviationList(ctx context.Context, data []byte) (l *deviation.List, err error) {
	defer func(begin time.Time) {
		mw.observe("ParseDeviationList", err != nil, begin)
	}(time.Now())
	return mw.next.ParseDeviationList(ctx, data)
}

func (mw *instrumentingMiddleware) ParseMasterList(ctx context.Context, data []byte) (ml *masterlist.MasterList, err error) {
	defer func(begin time.Time) {
		mw.observe("ParseMasterList", err != nil, begin)
	}(time.Now())
	return mw.next.ParseMasterList(ctx, data)
}
