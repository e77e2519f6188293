package cli

import (
	"crypto/x509"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/keys"
	"github.com/georgepadayatti/goasic/sign/ades"
	"github.com/georgepadayatti/goasic/sign/validation"
	"github.com/georgepadayatti/goasic/sign/validation/qualified"
	"github.com/spf13/cobra"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.FgYellow)
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	dimColor     = color.New(color.Faint)
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	TrustRoots []string
	TSL        bool
	Offline    bool
	Format     string
	Verbose    bool
}

func newVerifyCommand(g *globalOptions) *cobra.Command {
	var opts VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <container>",
		Short: "Validate the signatures of a container",
		Long: `Validate every signature of an ASiC-E or BDOC container.

Trust anchors come from --trust-roots files, from the EU trusted lists
(--tsl) or both. Revocation is checked with the OCSP responses embedded in
the signatures and, unless --offline is set, with the configured OCSP
responder.

The exit code is 1 when the container is not valid.

Examples:
  goasic verify --trust-roots ca.pem document.asice
  goasic verify --tsl --format json document.bdoc
  goasic verify --mode TEST --tsl --format xml document.asice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, g, &opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.TrustRoots, "trust-roots", nil, "File(s) with trusted CA certificates (PEM or DER)")
	flags.BoolVar(&opts.TSL, "tsl", false, "Refresh and use the EU trusted lists")
	flags.BoolVar(&opts.Offline, "offline", false, "Only use revocation data embedded in the signatures")
	flags.StringVar(&opts.Format, "format", "text", "Output format: text, simple, json, xml")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Show certificate chains and timestamps")
	return cmd
}

func runVerify(cmd *cobra.Command, g *globalOptions, opts *VerifyOptions, path string) error {
	cfg, logger, closeLog, err := g.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := container.OpenFile(path)
	if err != nil {
		return fmt.Errorf("failed to open container: %w", err)
	}

	var roots []*x509.Certificate
	if len(opts.TrustRoots) > 0 {
		if roots, err = keys.LoadCertsFromPemDerFiles(opts.TrustRoots); err != nil {
			return fmt.Errorf("failed to load trust roots: %w", err)
		}
	}

	vopts := []validation.Option{validation.WithLogger(logger)}
	if opts.TSL {
		loader, err := qualified.NewTrustedListLoader(cfg,
			qualified.WithTrustStore(certvalidator.NewTrustStore(roots...)),
			qualified.WithLogger(logger))
		if err != nil {
			return err
		}
		if _, err := loader.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("failed to refresh trusted lists: %w", err)
		}
		vopts = append(vopts, validation.WithTrustedListLoader(loader))
	} else {
		vopts = append(vopts, validation.WithTrustStore(certvalidator.NewTrustStore(roots...)))
	}
	if opts.Offline {
		vopts = append(vopts, validation.WithoutOnlineRevocation())
	}

	v, err := validation.NewValidator(cfg, vopts...)
	if err != nil {
		return err
	}
	report, err := v.Validate(cmd.Context(), c, filepath.Base(path))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(opts.Format) {
	case "json":
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "xml":
		data, err := report.ToXML()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "simple":
		fmt.Fprint(out, report.ToSimpleText())
	case "text":
		outputText(out, report, opts.Verbose)
	default:
		return fmt.Errorf("unknown output format %q", opts.Format)
	}

	if !report.IsValid() {
		return errInvalid
	}
	return nil
}

// outputText prints a colored, human readable report.
func outputText(w io.Writer, report *ades.ContainerReport, verbose bool) {
	headerColor.Fprintf(w, "Container Validation Results\n")
	headerColor.Fprintf(w, "============================\n\n")

	printField(w, "Document", report.DocumentName)
	printField(w, "Validated", report.ValidationTime.Format(time.RFC3339))
	printField(w, "Policy", report.ValidationPolicy)
	labelColor.Fprintf(w, "  Result: ")
	indicationColor(report.Indication).Fprintf(w, "%s\n", report.Indication)
	fmt.Fprintf(w, "  Signatures: %d total, %d valid\n\n", report.SignaturesCount(), report.ValidSignaturesCount())

	for _, e := range report.ContainerErrors {
		errorColor.Fprintf(w, "  CONTAINER ERROR: %s\n", e)
	}
	if len(report.ContainerErrors) > 0 {
		fmt.Fprintln(w)
	}

	for i, sig := range report.Signatures {
		headerColor.Fprintf(w, "Signature #%d %s\n", i+1, sig.ID)
		fmt.Fprintf(w, "------------\n")

		labelColor.Fprintf(w, "  Status: ")
		indicationColor(sig.Indication).Fprintf(w, "%s %s", statusIcon(sig.Indication), sig.Indication)
		if sig.SubIndication != "" {
			fmt.Fprintf(w, " (%s)", sig.SubIndication)
		}
		fmt.Fprintln(w)

		printField(w, "Format", sig.SignatureFormat)
		printField(w, "Signed By", sig.SignedBy)
		if sig.SigningTime != nil {
			printField(w, "Claimed Signing Time", sig.SigningTime.Format(time.RFC3339))
		}
		if sig.BestSignatureTime != nil {
			printField(w, "Best Signature Time", sig.BestSignatureTime.Format(time.RFC3339))
		}

		if verbose {
			if len(sig.CertificateChain) > 0 {
				fmt.Fprintf(w, "\n  Certificate Chain:\n")
				for _, c := range sig.CertificateChain {
					fmt.Fprintf(w, "    %s ", c.QualifiedName)
					dimColor.Fprintf(w, "%s\n", c.ID)
				}
			}
			if len(sig.Timestamps) > 0 {
				fmt.Fprintf(w, "\n  Timestamps:\n")
				for _, ts := range sig.Timestamps {
					fmt.Fprintf(w, "    %s %s by %s ", ts.Type, ts.ProductionTime.Format(time.RFC3339), ts.ProducedBy)
					indicationColor(ts.Indication).Fprintf(w, "%s\n", ts.Indication)
				}
			}
		}

		if errs := sig.AllErrors(); len(errs) > 0 {
			fmt.Fprintf(w, "\n  Errors:\n")
			for _, e := range errs {
				errorColor.Fprintf(w, "    - %s\n", e)
			}
		}
		if warns := allWarnings(sig); len(warns) > 0 {
			fmt.Fprintf(w, "\n  Warnings:\n")
			for _, wn := range warns {
				warnColor.Fprintf(w, "    - %s\n", wn)
			}
		}
		fmt.Fprintln(w)
	}
}

func printField(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	labelColor.Fprintf(w, "  %s: ", label)
	fmt.Fprintf(w, "%s\n", value)
}

func allWarnings(sig *ades.ValidationReport) []string {
	out := append([]string(nil), sig.Warnings...)
	if sig.AdESDetails != nil {
		out = append(out, sig.AdESDetails.Warnings...)
	}
	if sig.QualificationDetails != nil {
		out = append(out, sig.QualificationDetails.Warnings...)
	}
	return out
}

func indicationColor(ind ades.Indication) *color.Color {
	switch {
	case ind.IsPassed():
		return successColor
	case ind.IsFailed():
		return errorColor
	default:
		return warnColor
	}
}

func statusIcon(ind ades.Indication) string {
	switch {
	case ind.IsPassed():
		return "[OK]"
	case ind.IsFailed():
		return "[FAIL]"
	default:
		return "[?]"
	}
}
