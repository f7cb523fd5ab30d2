package cli

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopkd/certs"
	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/format"
	"github.com/georgepadayatti/gopkd/icao/sod"
	"github.com/georgepadayatti/gopkd/store"
)

func (a *app) detectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <file>...",
		Short: "Detect the PKD format of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			detected := make(map[string]format.Format, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				detected[path] = svc.DetectFormat(cmd.Context(), filepath.Base(path), data)
			}
			if a.jsonOutput {
				return printJSON(a.out, detected)
			}
			for _, path := range args {
				labelColor.Fprintf(a.out, "%s: ", path)
				fmt.Fprintln(a.out, detected[path])
			}
			return nil
		},
	}
}

// parseOutput is the JSON form of a certs.ParseResult.
type parseOutput struct {
	Format       format.Format       `json:"format"`
	Certificates []certificateOutput `json:"certificates"`
	CRLs         int                 `json:"crls"`
	FailedCount  int                 `json:"failedCount"`
	Errors       []string            `json:"errors,omitempty"`
	Success      bool                `json:"success"`
}

func (a *app) parseCommand() *cobra.Command {
	var forced string
	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Extract certificates and CRLs from a PKD file",
		Long:  "Extracts every certificate and CRL from a PEM, DER, PKCS#7, PKCS#12, LDIF, Master List, Deviation List or CRL file. Individual failures are counted and never abort the file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f := format.Format(strings.ToUpper(forced))
			if forced == "" {
				f = svc.DetectFormat(ctx, filepath.Base(args[0]), data)
			}
			r := svc.ParseCertificates(ctx, data, f)

			out := parseOutput{
				Format:      r.Format,
				CRLs:        len(r.CRLs),
				FailedCount: r.FailedCount,
				Errors:      r.Errors,
				Success:     r.Success,
			}
			for _, cert := range r.Certificates {
				out.Certificates = append(out.Certificates, describe(cert))
			}
			if a.jsonOutput {
				if err := printJSON(a.out, out); err != nil {
					return err
				}
			} else {
				printHeader(a.out, fmt.Sprintf("%s (%s)", args[0], r.Format))
				for i, c := range out.Certificates {
					subject := "-"
					if c.Certificate != nil {
						subject = c.Certificate.Subject
					}
					fmt.Fprintf(a.out, "  [%d] %-10s %s\n", i, c.Classification.Type, subject)
				}
				printField(a.out, "Certificates", len(r.Certificates))
				printField(a.out, "CRLs", len(r.CRLs))
				printField(a.out, "Failed", r.FailedCount)
				printWarnings(a.out, r.Errors)
			}
			if !r.Success {
				return fmt.Errorf("%s: %w", args[0], certs.ErrNoCertFound)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&forced, "format", "", "Skip detection and parse as this format (PEM, DER, P7B, P12, LDIF, ML, DL, CRL)")
	return cmd
}

func (a *app) classifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <file>",
		Short: "Classify and describe the certificates in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			certificates, err := readCertificates(args[0])
			if err != nil {
				return err
			}
			outputs := make([]certificateOutput, 0, len(certificates))
			for _, cert := range certificates {
				out := describe(cert)
				out.Classification = svc.Classify(cmd.Context(), cert)
				outputs = append(outputs, out)
			}
			if a.jsonOutput {
				return printJSON(a.out, outputs)
			}
			for i, out := range outputs {
				if i > 0 {
					fmt.Fprintln(a.out)
				}
				printHeader(a.out, fmt.Sprintf("Certificate %d", i))
				if out.Certificate == nil {
					printWarnings(a.out, []string{out.Error})
					continue
				}
				printCertificate(a.out, *out.Certificate, out.Classification)
			}
			return nil
		},
	}
}

func (a *app) validateCommand() *cobra.Command {
	var (
		issuerPath string
		chainPaths []string
	)
	cmd := &cobra.Command{
		Use:   "validate <cert>",
		Short: "Check validity period, signature and purpose of a certificate",
		Long:  "Validates a certificate against itself, an explicit issuer (--issuer) or a chain ordered from the immediate issuer up to the root (--chain).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			cert, err := readCertificate(args[0])
			if err != nil {
				return err
			}
			var issuer *x509.Certificate
			if issuerPath != "" {
				if issuer, err = readCertificate(issuerPath); err != nil {
					return err
				}
			}
			var chain []*x509.Certificate
			for _, path := range chainPaths {
				certificates, err := readCertificates(path)
				if err != nil {
					return err
				}
				chain = append(chain, certificates...)
			}

			r, err := svc.ValidateCertificate(cmd.Context(), cert, issuer, chain)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if err := printJSON(a.out, r); err != nil {
					return err
				}
			} else {
				printHeader(a.out, cert.Subject.String())
				printCheck(a.out, r.ExpirationValid, "validity period")
				printCheck(a.out, r.SignatureValid, "signature")
				printCheck(a.out, r.PurposeValid, "purpose")
				if len(r.TrustChainPath) > 0 {
					printField(a.out, "Trust chain", strings.Join(r.TrustChainPath, " -> "))
				}
				printVerdict(a.out, r.Valid, fmt.Sprintf("%s %s", r.Status, r.Message))
			}
			if !r.Valid {
				return ErrVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issuerPath, "issuer", "", "Issuer certificate file")
	cmd.Flags().StringSliceVar(&chainPaths, "chain", nil, "Chain certificate files, immediate issuer first")
	cmd.MarkFlagsMutuallyExclusive("issuer", "chain")
	return cmd
}

// revocationOutput is the JSON form of a revocation check.
type revocationOutput struct {
	*revinfo.Verdict
	CRLExpired bool `json:"crlExpired"`
}

func (a *app) revocationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revocation <cert>",
		Short: "Check a certificate against the latest stored CRL of its issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			cert, err := readCertificate(args[0])
			if err != nil {
				return err
			}
			id := revinfo.IdentityOf(cert)
			v, err := svc.CheckRevocation(ctx, id)
			if err != nil {
				return err
			}
			expired := svc.IsCRLExpired(ctx, id.IssuerDN)

			if a.jsonOutput {
				if err := printJSON(a.out, revocationOutput{Verdict: v, CRLExpired: expired}); err != nil {
					return err
				}
			} else {
				printHeader(a.out, cert.Subject.String())
				printField(a.out, "Serial", v.SerialHex)
				printField(a.out, "Issuer", v.IssuerDN)
				if v.CRLID != "" {
					printField(a.out, "CRL", v.CRLID)
				}
				if v.ThisUpdate != nil {
					printField(a.out, "This update", formatTime(*v.ThisUpdate))
				}
				if v.NextUpdate != nil {
					printField(a.out, "Next update", formatTime(*v.NextUpdate))
				}
				if expired {
					printWarnings(a.out, []string{"no current CRL for this issuer"})
				}
				message := v.Status.String()
				switch {
				case v.Status == revinfo.StatusRevoked && v.RevocationTime != nil:
					message = fmt.Sprintf("%s on %s (%s)", v.Status, formatTime(*v.RevocationTime), v.Reason)
				case v.Cause != "":
					message = fmt.Sprintf("%s: %s", v.Status, v.Cause)
				}
				printVerdict(a.out, v.Status == revinfo.StatusGood, message)
			}
			if v.Status == revinfo.StatusRevoked {
				return ErrVerificationFailed
			}
			return nil
		},
	}
}

func (a *app) linkcertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "linkcert <file>",
		Short: "Validate a CSCA link certificate against the stored CSCAs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			cert, err := readCertificate(args[0])
			if err != nil {
				return err
			}
			v, err := svc.ValidateLinkCertificate(cmd.Context(), cert.Raw)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if err := printJSON(a.out, v); err != nil {
					return err
				}
			} else {
				printHeader(a.out, v.LinkCertificate)
				printField(a.out, "Old CSCA", v.OldCSCASubject)
				printField(a.out, "New CSCA", v.NewCSCASubject)
				printCheck(a.out, v.OldCSCASignatureValid, "signed by old CSCA")
				printCheck(a.out, v.NewCSCASignatureValid, "new CSCA self-signature")
				printCheck(a.out, v.ValidityPeriodValid, "validity period")
				printCheck(a.out, v.ExtensionsValid, "extensions")
				if v.Revocation != nil {
					printField(a.out, "Revocation", v.Revocation.Status)
				}
				printVerdict(a.out, v.TrustChainValid, v.Message)
			}
			if !v.TrustChainValid {
				return ErrVerificationFailed
			}
			return nil
		},
	}
}

// sodOutput is the JSON form of the sod command.
type sodOutput struct {
	*sod.Data
	Signature  *sod.SignatureVerdict `json:"signature,omitempty"`
	DataGroups map[int]bool          `json:"dataGroupsVerified,omitempty"`
}

func parseDataGroupFlag(value string) (int, string, error) {
	n, path, ok := strings.Cut(value, "=")
	if !ok || path == "" {
		return 0, "", fmt.Errorf("invalid --dg %q, expected N=file", value)
	}
	dg, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(n), "DG"))
	if err != nil || dg < sod.MinDataGroup || dg > sod.MaxDataGroup {
		return 0, "", fmt.Errorf("invalid data group number %q", n)
	}
	return dg, path, nil
}

func (a *app) sodCommand() *cobra.Command {
	var (
		dscPath    string
		dataGroups []string
	)
	cmd := &cobra.Command{
		Use:   "sod <file>",
		Short: "Parse a Document Security Object and verify its signature",
		Long:  "Parses an EF.SOD, verifies its signature against the embedded DSC or --dsc, and checks data group contents given with --dg N=file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d, err := svc.ParseSOD(ctx, data)
			if err != nil {
				return err
			}
			out := sodOutput{Data: d}
			ok := d.Success

			dsc := d.DSC
			if dscPath != "" {
				if dsc, err = readCertificate(dscPath); err != nil {
					return err
				}
			}
			if d.Success && dsc != nil {
				if out.Signature, err = svc.VerifySODSignature(ctx, data, dsc); err != nil {
					return err
				}
				ok = ok && out.Signature.Valid
			}

			for _, value := range dataGroups {
				dg, path, err := parseDataGroupFlag(value)
				if err != nil {
					return err
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				match, err := sod.VerifyDataGroup(d, dg, content)
				if err != nil {
					return fmt.Errorf("DG%d: %w", dg, err)
				}
				if out.DataGroups == nil {
					out.DataGroups = map[int]bool{}
				}
				out.DataGroups[dg] = match
				ok = ok && match
			}

			if a.jsonOutput {
				if err := printJSON(a.out, out); err != nil {
					return err
				}
			} else {
				printSOD(a, out)
				printVerdict(a.out, ok, "SOD")
			}
			if !ok {
				return ErrVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dscPath, "dsc", "", "Document Signer certificate overriding the embedded one")
	cmd.Flags().StringArrayVar(&dataGroups, "dg", nil, "Data group content to verify, as N=file (repeatable)")
	return cmd
}

func printSOD(a *app, out sodOutput) {
	d := out.Data
	printHeader(a.out, "Document Security Object")
	if !d.Success {
		printWarnings(a.out, []string{d.Error})
		return
	}
	printField(a.out, "LDS version", d.LDSVersion)
	printField(a.out, "Hash algorithm", d.HashAlgorithm)
	printField(a.out, "Signature algorithm", d.SignatureAlgorithm)
	if d.SigningTime != "" {
		printField(a.out, "Signing time", d.SigningTime)
	}
	if d.DSC != nil {
		printField(a.out, "DSC", d.DSC.Subject)
	}
	for dg := sod.MinDataGroup; dg <= sod.MaxDataGroup; dg++ {
		hash, ok := d.DataGroupHashes[dg]
		if !ok {
			continue
		}
		label := fmt.Sprintf("DG%d", dg)
		if match, checked := out.DataGroups[dg]; checked {
			printCheck(a.out, match, label+" "+hash)
			continue
		}
		dimColor.Fprintf(a.out, "  %-22s %s\n", label+":", hash)
	}
	if out.Signature != nil {
		printCheck(a.out, out.Signature.Valid, "signature: "+out.Signature.Message)
	}
	printWarnings(a.out, d.Warnings)
}

func (a *app) dvlCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dvl <file>",
		Short: "Parse a Deviation List",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			l, err := svc.ParseDeviationList(cmd.Context(), data)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if err := printJSON(a.out, l); err != nil {
					return err
				}
			} else {
				printHeader(a.out, "Deviation List")
				if l.Success {
					printField(a.out, "Version", l.Version)
					printField(a.out, "Signer", l.SignerSubject)
					printCheck(a.out, l.SignatureValid, "signature")
					printField(a.out, "Certificates", len(l.Certificates))
					for i, e := range l.Entries {
						fmt.Fprintf(a.out, "  [%d] %s %s %s\n", i, e.IssuerCountry, e.SerialHex, e.Reason)
					}
				}
				printWarnings(a.out, l.Warnings)
				if l.Error != "" {
					printWarnings(a.out, []string{l.Error})
				}
			}
			if !l.Success {
				return ErrVerificationFailed
			}
			return nil
		},
	}
}

// masterListOutput is the JSON form of the masterlist command.
type masterListOutput struct {
	Version        int                 `json:"version"`
	Signer         string              `json:"signer,omitempty"`
	SignatureValid bool                `json:"signatureValid"`
	SigningTime    string              `json:"signingTime,omitempty"`
	CSCAs          []certificateOutput `json:"cscas"`
	FailedCount    int                 `json:"failedCount"`
	Imported       int                 `json:"imported,omitempty"`
	Warnings       []string            `json:"warnings,omitempty"`
	Success        bool                `json:"success"`
	Error          string              `json:"error,omitempty"`
}

func (a *app) masterlistCommand() *cobra.Command {
	var importCSCAs bool
	cmd := &cobra.Command{
		Use:   "masterlist <file>",
		Short: "Parse a CSCA Master List",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ml, err := svc.ParseMasterList(ctx, data)
			if err != nil {
				return err
			}
			out := masterListOutput{
				Version:        ml.Version,
				Signer:         ml.SignerSubject,
				SignatureValid: ml.SignatureValid,
				SigningTime:    ml.SigningTime,
				FailedCount:    ml.FailedCount,
				Warnings:       ml.Warnings,
				Success:        ml.Success,
				Error:          ml.Error,
			}
			for _, cert := range ml.Certificates {
				out.CSCAs = append(out.CSCAs, describe(cert))
			}
			if importCSCAs && ml.Success && ml.SignatureValid {
				for _, cert := range ml.Certificates {
					if err := a.store.AddCSCA(ctx, cert); err == nil {
						out.Imported++
					}
				}
			}

			if a.jsonOutput {
				if err := printJSON(a.out, out); err != nil {
					return err
				}
			} else {
				printHeader(a.out, "CSCA Master List")
				if ml.Success {
					printField(a.out, "Signer", ml.SignerSubject)
					printCheck(a.out, ml.SignatureValid, "signature")
					for i, c := range out.CSCAs {
						subject := "-"
						if c.Certificate != nil {
							subject = c.Certificate.Subject
						}
						fmt.Fprintf(a.out, "  [%d] %-10s %s\n", i, c.Classification.Type, subject)
					}
					printField(a.out, "CSCAs", len(ml.Certificates))
					printField(a.out, "Failed", ml.FailedCount)
					if importCSCAs {
						printField(a.out, "Imported", out.Imported)
					}
				}
				printWarnings(a.out, ml.Warnings)
				if ml.Error != "" {
					printWarnings(a.out, []string{ml.Error})
				}
			}
			if !ml.Success || !ml.SignatureValid {
				return ErrVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&importCSCAs, "import", false, "Add the CSCAs of a correctly signed list to the configured store")
	return cmd
}

func (a *app) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>...",
		Short: "Load CSCAs and CRLs from files or directories into the configured store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.service(ctx); err != nil {
				return err
			}
			var total store.LoadReport
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				var r store.LoadReport
				if info.IsDir() {
					r, err = store.LoadDir(ctx, a.store, path, a.logger)
				} else {
					r, err = store.LoadFile(ctx, a.store, path, a.logger)
				}
				if err != nil {
					return err
				}
				total.Add(r)
			}
			if a.jsonOutput {
				return printJSON(a.out, total)
			}
			printHeader(a.out, "Import")
			printField(a.out, "Files", total.Files)
			printField(a.out, "CSCAs", total.CSCAs)
			printField(a.out, "CRLs", total.CRLs)
			printField(a.out, "Skipped", total.Skipped)
			printField(a.out, "Failed", total.Failed)
			printWarnings(a.out, total.FailedFiles)
			return nil
		},
	}
}
