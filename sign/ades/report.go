// AdES validation report model.
// Field names follow the ETSI TS 119 102-2 simple report.

package ades

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator"
)

// Details groups the messages of one validation block.
type Details struct {
	Errors   []string `json:"errors,omitempty" xml:"Error,omitempty"`
	Warnings []string `json:"warnings,omitempty" xml:"Warning,omitempty"`
	Infos    []string `json:"infos,omitempty" xml:"Info,omitempty"`
}

// AddError adds an error message.
func (d *Details) AddError(msg string) {
	d.Errors = append(d.Errors, msg)
}

// AddWarning adds a warning message.
func (d *Details) AddWarning(msg string) {
	d.Warnings = append(d.Warnings, msg)
}

// AddInfo adds an informational message.
func (d *Details) AddInfo(msg string) {
	d.Infos = append(d.Infos, msg)
}

func (d *Details) clone() *Details {
	if d == nil {
		return nil
	}
	return &Details{
		Errors:   slices.Clone(d.Errors),
		Warnings: slices.Clone(d.Warnings),
		Infos:    slices.Clone(d.Infos),
	}
}

func (d *Details) errors() []string {
	if d == nil {
		return nil
	}
	return d.Errors
}

// ChainCertificate is one certificate of the chain shown in a report.
type ChainCertificate struct {
	ID            string `json:"id" xml:"Id,attr"`
	QualifiedName string `json:"qualifiedName" xml:"QualifiedName"`
}

// CertificateID returns the report identifier of cert: "C-" followed by
// the upper-case hex SHA-256 of its DER encoding.
func CertificateID(cert *x509.Certificate) string {
	fp := certvalidator.CertificateFingerprint(cert)
	return "C-" + strings.ToUpper(hex.EncodeToString(fp[:]))
}

// NewChainCertificate creates the report entry for cert.
func NewChainCertificate(cert *x509.Certificate) ChainCertificate {
	return ChainCertificate{
		ID:            CertificateID(cert),
		QualifiedName: certvalidator.QualifiedName(cert),
	}
}

// TimestampReport is the validation outcome of one timestamp token.
type TimestampReport struct {
	ID                   string        `json:"id" xml:"Id,attr"`
	Type                 string        `json:"type" xml:"Type"`
	ProductionTime       time.Time     `json:"productionTime" xml:"ProductionTime"`
	ProducedBy           string        `json:"producedBy,omitempty" xml:"ProducedBy,omitempty"`
	Indication           Indication    `json:"indication" xml:"Indication"`
	SubIndication        SubIndication `json:"subIndication,omitempty" xml:"SubIndication,omitempty"`
	AdESDetails          *Details      `json:"adesValidationDetails,omitempty" xml:"AdESValidationDetails,omitempty"`
	QualificationDetails *Details      `json:"qualificationDetails,omitempty" xml:"QualificationDetails,omitempty"`
}

// ValidationReport is the report of a single signature.
//
// Raw reports produced by the validation engine use the same shape; the
// reconciled copy is what callers receive.
type ValidationReport struct {
	ID                   string             `json:"id" xml:"Id,attr"`
	SignatureFormat      string             `json:"signatureFormat" xml:"SignatureFormat,attr"`
	DocumentName         string             `json:"documentName,omitempty" xml:"Filename,omitempty"`
	SigningTime          *time.Time         `json:"signingTime,omitempty" xml:"SigningTime,omitempty"`
	BestSignatureTime    *time.Time         `json:"bestSignatureTime,omitempty" xml:"BestSignatureTime,omitempty"`
	SignedBy             string             `json:"signedBy,omitempty" xml:"SignedBy,omitempty"`
	CertificateChain     []ChainCertificate `json:"certificateChain,omitempty" xml:"CertificateChain>Certificate,omitempty"`
	Indication           Indication         `json:"indication" xml:"Indication"`
	SubIndication        SubIndication      `json:"subIndication,omitempty" xml:"SubIndication,omitempty"`
	Errors               []string           `json:"errors,omitempty" xml:"Errors,omitempty"`
	Warnings             []string           `json:"warnings,omitempty" xml:"Warnings,omitempty"`
	AdESDetails          *Details           `json:"adesValidationDetails,omitempty" xml:"AdESValidationDetails,omitempty"`
	QualificationDetails *Details           `json:"qualificationDetails,omitempty" xml:"QualificationDetails,omitempty"`
	Timestamps           []*TimestampReport `json:"timestamps,omitempty" xml:"Timestamps>Timestamp,omitempty"`
}

// Clone returns a deep copy of r.
func (r *ValidationReport) Clone() *ValidationReport {
	if r == nil {
		return nil
	}
	out := *r
	if r.SigningTime != nil {
		t := *r.SigningTime
		out.SigningTime = &t
	}
	if r.BestSignatureTime != nil {
		t := *r.BestSignatureTime
		out.BestSignatureTime = &t
	}
	out.CertificateChain = slices.Clone(r.CertificateChain)
	out.Errors = slices.Clone(r.Errors)
	out.Warnings = slices.Clone(r.Warnings)
	out.AdESDetails = r.AdESDetails.clone()
	out.QualificationDetails = r.QualificationDetails.clone()
	if r.Timestamps != nil {
		out.Timestamps = make([]*TimestampReport, len(r.Timestamps))
		for i, ts := range r.Timestamps {
			c := *ts
			c.AdESDetails = ts.AdESDetails.clone()
			c.QualificationDetails = ts.QualificationDetails.clone()
			out.Timestamps[i] = &c
		}
	}
	return &out
}

// AllErrors returns every error message of the report: the top-level list,
// the AdES and qualification details, and the details of each timestamp.
func (r *ValidationReport) AllErrors() []string {
	var out []string
	out = append(out, r.Errors...)
	out = append(out, r.AdESDetails.errors()...)
	out = append(out, r.QualificationDetails.errors()...)
	for _, ts := range r.Timestamps {
		out = append(out, ts.AdESDetails.errors()...)
		out = append(out, ts.QualificationDetails.errors()...)
	}
	return out
}

// IsValid reports whether the signature passed without any error.
func (r *ValidationReport) IsValid() bool {
	return r.Indication.IsPassed() && len(r.AllErrors()) == 0
}

// RawReport is the per-container output of the validation engine before
// reconciliation.
type RawReport struct {
	DocumentName   string
	ValidationTime time.Time
	Signatures     []*ValidationReport
}

// ContainerReport collects the reconciled reports of all signatures of a
// container.
type ContainerReport struct {
	XMLName          xml.Name            `json:"-" xml:"SimpleReport"`
	ValidationTime   time.Time           `json:"validationTime" xml:"ValidationTime"`
	ValidationPolicy string              `json:"validationPolicy,omitempty" xml:"Policy>PolicyName,omitempty"`
	DocumentName     string              `json:"documentName" xml:"DocumentName"`
	Signatures       []*ValidationReport `json:"signatures,omitempty" xml:"Signature,omitempty"`
	ContainerErrors  []string            `json:"containerErrors,omitempty" xml:"ContainerError,omitempty"`
	Indication       Indication          `json:"indication" xml:"Indication"`
}

// AddSignature adds a signature report.
func (r *ContainerReport) AddSignature(sig *ValidationReport) {
	r.Signatures = append(r.Signatures, sig)
}

// AddContainerError records an error that does not belong to one signature.
func (r *ContainerReport) AddContainerError(msg string) {
	r.ContainerErrors = append(r.ContainerErrors, msg)
}

// ComputeOverallIndication computes the container indication from all
// signatures and container errors.
func (r *ContainerReport) ComputeOverallIndication() Indication {
	switch {
	case len(r.Signatures) == 0:
		r.Indication = IndicationIndeterminate
	case r.ValidSignaturesCount() == len(r.Signatures) && len(r.ContainerErrors) == 0:
		r.Indication = IndicationTotalPassed
	default:
		r.Indication = IndicationIndeterminate
		for _, sig := range r.Signatures {
			if sig.Indication.IsFailed() {
				r.Indication = IndicationTotalFailed
				break
			}
		}
	}
	return r.Indication
}

// SignaturesCount returns the number of signatures.
func (r *ContainerReport) SignaturesCount() int {
	return len(r.Signatures)
}

// ValidSignaturesCount returns the number of signatures without errors and
// with a passed indication.
func (r *ContainerReport) ValidSignaturesCount() int {
	count := 0
	for _, sig := range r.Signatures {
		if sig.IsValid() {
			count++
		}
	}
	return count
}

// IsValid reports whether every signature is valid and the container has
// no errors of its own.
func (r *ContainerReport) IsValid() bool {
	return len(r.Signatures) > 0 && r.ValidSignaturesCount() == len(r.Signatures) && len(r.ContainerErrors) == 0
}

// ToJSON serializes the report to JSON.
func (r *ContainerReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ToXML serializes the report to XML.
func (r *ContainerReport) ToXML() ([]byte, error) {
	return xml.MarshalIndent(r, "", "  ")
}

// ToSimpleText renders a human readable summary.
func (r *ContainerReport) ToSimpleText() string {
	var sb strings.Builder

	sb.WriteString("=== VALIDATION REPORT ===\n")
	fmt.Fprintf(&sb, "Document: %s\n", r.DocumentName)
	fmt.Fprintf(&sb, "Validation Time: %s\n", r.ValidationTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "\nOverall Result: %s\n", r.Indication)
	fmt.Fprintf(&sb, "Signatures: %d total, %d valid\n", r.SignaturesCount(), r.ValidSignaturesCount())

	for _, msg := range r.ContainerErrors {
		fmt.Fprintf(&sb, "CONTAINER ERROR: %s\n", msg)
	}

	for i, sig := range r.Signatures {
		fmt.Fprintf(&sb, "\n--- Signature %d ---\n", i+1)
		fmt.Fprintf(&sb, "ID: %s\n", sig.ID)
		fmt.Fprintf(&sb, "Format: %s\n", sig.SignatureFormat)
		if sig.SignedBy != "" {
			fmt.Fprintf(&sb, "Signed By: %s\n", sig.SignedBy)
		}
		if sig.SigningTime != nil {
			fmt.Fprintf(&sb, "Signing Time: %s\n", sig.SigningTime.Format(time.RFC3339))
		}
		for _, ts := range sig.Timestamps {
			fmt.Fprintf(&sb, "Timestamp: %s %s (%s)\n", ts.Type, ts.ProductionTime.Format(time.RFC3339), ts.Indication)
		}
		fmt.Fprintf(&sb, "Result: %s", sig.Indication)
		if sig.SubIndication != "" {
			fmt.Fprintf(&sb, " (%s)", sig.SubIndication)
		}
		sb.WriteString("\n")
		for _, msg := range sig.AllErrors() {
			fmt.Fprintf(&sb, "  ERROR: %s\n", msg)
		}
		for _, msg := range sig.Warnings {
			fmt.Fprintf(&sb, "  WARNING: %s\n", msg)
		}
	}

	return sb.String()
}
