package ades

import (
	"log/slog"
	"slices"

	"github.com/georgepadayatti/goasic/sign/xades"
)

// RichResult is the verdict of the signature-level checks that run next to
// the report producer (reference digests, timestamp imprints, trust and
// revocation status).
type RichResult struct {
	SignatureID string
	Errors      []error
	Warnings    []error
}

// IsValid reports whether no error was found.
func (r *RichResult) IsValid() bool {
	return r == nil || len(r.Errors) == 0
}

// AddError records an error.
func (r *RichResult) AddError(err error) {
	r.Errors = append(r.Errors, err)
}

// AddWarning records a warning.
func (r *RichResult) AddWarning(err error) {
	r.Warnings = append(r.Warnings, err)
}

// Reconciler normalizes raw reports into caller-facing reports.
type Reconciler struct {
	logger *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile builds the report of one signature with a default Reconciler.
func Reconcile(raw *RawReport, rich *RichResult, documentName string, profile xades.Profile) (*ValidationReport, error) {
	return NewReconciler().Reconcile(raw, rich, documentName, profile)
}

// Reconcile builds the report of one signature from the raw report of the
// container it was validated in and the rich result of the same signature.
//
// The raw report is expected to hold exactly one signature entry. More are
// tolerated and only the first is used. The raw report is not modified.
func (r *Reconciler) Reconcile(raw *RawReport, rich *RichResult, documentName string, profile xades.Profile) (*ValidationReport, error) {
	if raw == nil {
		return nil, ErrNilReport
	}
	if len(raw.Signatures) == 0 || raw.Signatures[0] == nil {
		return nil, ErrNoSignatureInReport
	}
	if n := len(raw.Signatures); n > 1 {
		r.logger.Warn("raw report contains more than one signature", "count", n)
	}

	report := raw.Signatures[0].Clone()
	appendMissingErrors(report, rich)
	report.DocumentName = documentName
	if !rich.IsValid() && report.Indication.IsPassed() {
		report.Indication = IndicationIndeterminate
	}
	switch profile {
	case xades.ProfileTimeMark:
		report.SignatureFormat = FormatBaselineLTTM
	case xades.ProfileEPES:
		report.SignatureFormat = FormatBaselineBEPES
	}
	if rich != nil && rich.SignatureID != "" {
		report.ID = rich.SignatureID
	}
	resolveSignedBy(report)
	return report, nil
}

func appendMissingErrors(report *ValidationReport, rich *RichResult) {
	if rich == nil {
		return
	}
	existing := report.AllErrors()
	for _, err := range rich.Errors {
		if err == nil {
			continue
		}
		msg := err.Error()
		if slices.Contains(existing, msg) {
			continue
		}
		report.Errors = append(report.Errors, msg)
		existing = append(existing, msg)
	}
}

func resolveSignedBy(report *ValidationReport) {
	if report.SignedBy == "" {
		return
	}
	for _, c := range report.CertificateChain {
		if c.ID == report.SignedBy {
			report.SignedBy = c.QualifiedName
			return
		}
	}
}
