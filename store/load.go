package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/format"
)

// LoadReport summarises a LoadDir or LoadFile run.
type LoadReport struct {
	Files       int      `json:"files"`
	CSCAs       int      `json:"cscas"`
	CRLs        int      `json:"crls"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	FailedFiles []string `json:"failedFiles,omitempty"`
}

// Add accumulates other into r.
func (r *LoadReport) Add(other LoadReport) {
	r.Files += other.Files
	r.CSCAs += other.CSCAs
	r.CRLs += other.CRLs
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.FailedFiles = append(r.FailedFiles, other.FailedFiles...)
}

// LoadFile detects the format of path and writes every CSCA and CRL it
// contains to w. Certificates rejected by w are counted as skipped.
func LoadFile(ctx context.Context, w Writer, path string, logger log.Logger) (LoadReport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	report := LoadReport{Files: 1}
	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}

	f := format.Detect(filepath.Base(path), data)
	result := certs.ParseCertificates(data, f)
	report.Failed += result.FailedCount

	for _, cert := range result.Certificates {
		if err := w.AddCSCA(ctx, cert); err != nil {
			level.Debug(logger).Log("msg", "certificate skipped", "path", path, "subject", cert.Subject, "err", err)
			report.Skipped++
			continue
		}
		report.CSCAs++
	}
	for _, der := range result.CRLs {
		if _, err := w.AddCRL(ctx, der); err != nil {
			level.Warn(logger).Log("msg", "failed to store CRL", "path", path, "err", err)
			report.Failed++
			continue
		}
		report.CRLs++
	}

	if !result.Success && len(result.CRLs) == 0 {
		report.FailedFiles = append(report.FailedFiles, path)
		level.Warn(logger).Log("msg", "nothing loaded from file", "path", path, "format", f, "errors", len(result.Errors))
	} else {
		level.Debug(logger).Log("msg", "loaded file", "path", path, "format", f, "cscas", report.CSCAs, "crls", report.CRLs)
	}
	return report, nil
}

// LoadDir loads every regular file below dir into w. Unreadable or
// unrecognised files are reported and never abort the walk.
func LoadDir(ctx context.Context, w Writer, dir string, logger log.Logger) (LoadReport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var report LoadReport
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		r, err := LoadFile(ctx, w, path, logger)
		if err != nil {
			level.Error(logger).Log("msg", "failed to read file", "path", path, "err", err)
			r.FailedFiles = append(r.FailedFiles, path)
		}
		report.Add(r)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to load %s: %w", dir, err)
	}
	level.Info(logger).Log("msg", "loaded directory", "dir", dir, "files", report.Files,
		"cscas", report.CSCAs, "crls", report.CRLs, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}
