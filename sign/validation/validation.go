// Package validation validates the signatures of ASiC-E and BDOC containers.
//
// Every signature is parsed and classified, checked for integrity and
// timestamp coverage, and its signing certificate is evaluated against the
// trust store with embedded or online OCSP. The engine view of each
// signature is then reconciled with the full set of findings into an
// ades.ValidationReport.
package validation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/ades"
	"github.com/georgepadayatti/goasic/sign/validation/qualified"
	"github.com/georgepadayatti/goasic/sign/xades"
	"github.com/jonboulle/clockwork"
)

// Common validation errors
var (
	ErrNilContainer           = errors.New("container is nil")
	ErrNoSigningCertificate   = errors.New("signing certificate not found")
	ErrUntrustedChain         = errors.New("unable to build a certificate chain up to a trusted list")
	ErrRevocationInconclusive = errors.New("revocation status of the signing certificate is not conclusive")
	ErrNoRevocationData       = errors.New("no revocation data for the certificate")
	ErrRevokedBeforeSigning   = errors.New("signing certificate was revoked before the signature was created")
	ErrRevokedNoPoE           = errors.New("the past signature validation is not conclusive")
	ErrCertificateExpired     = errors.New("signing certificate has expired")
	ErrCertificateNotYetValid = errors.New("signing certificate is not yet valid")
	ErrInvalidTimestamp       = errors.New("signature has an invalid timestamp")
	ErrNotGrantedStatus       = errors.New("the certificate is not related to a granted status")
	ErrNoTrustService         = errors.New("the issuer of the signing certificate is not found in the trusted lists")
	ErrNotQualifiedForEsign   = errors.New("the trust service is not qualified for electronic signatures")
	ErrProfileNotAllowed      = errors.New("signature profile is not allowed in this container type")
	ErrTimeMarkMissing        = errors.New("time-mark signature has no OCSP response for the signing certificate")
)

// PolicyName is the validation policy named in container reports.
const PolicyName = "AdES baseline with trusted list and OCSP"

// TrustServiceLookup finds the trusted list service of a trust anchor.
// *qualified.TrustedListLoader implements it.
type TrustServiceLookup interface {
	ServiceFor(anchor *x509.Certificate) (*qualified.TrustService, bool)
}

// Validator validates containers.
type Validator struct {
	cfg        *config.Configuration
	store      *certvalidator.TrustStore
	services   TrustServiceLookup
	online     certvalidator.RevocationSource
	offline    bool
	reconciler *ades.Reconciler
	clock      clockwork.Clock
	logger     *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithTrustStore sets the trust anchors.
func WithTrustStore(store *certvalidator.TrustStore) Option {
	return func(v *Validator) { v.store = store }
}

// WithTrustedListLoader uses the loader's trust store and its services for
// qualification checks.
func WithTrustedListLoader(l *qualified.TrustedListLoader) Option {
	return func(v *Validator) {
		v.store = l.TrustStore()
		v.services = l
	}
}

// WithTrustServiceLookup sets the qualification lookup.
func WithTrustServiceLookup(l TrustServiceLookup) Option {
	return func(v *Validator) { v.services = l }
}

// WithRevocationSource sets the online revocation source used when a
// signature carries no OCSP response for its signing certificate.
func WithRevocationSource(src certvalidator.RevocationSource) Option {
	return func(v *Validator) { v.online = src }
}

// WithoutOnlineRevocation restricts revocation checks to the responses
// embedded in the signatures.
func WithoutOnlineRevocation() Option {
	return func(v *Validator) { v.offline = true }
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(v *Validator) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewValidator creates a validator. Unless an option sets one, the online
// revocation source is an OCSP client built from the OCSP connection
// settings of cfg.
func NewValidator(cfg *config.Configuration, opts ...Option) (*Validator, error) {
	if cfg == nil {
		cfg = config.New(config.ModeProd)
	}
	v := &Validator{cfg: cfg, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	if v.store == nil {
		v.store = certvalidator.NewTrustStore()
	}
	if v.offline {
		v.online = nil
	} else if v.online == nil {
		src, err := onlineRevocation(cfg, v.logger)
		if err != nil {
			return nil, err
		}
		v.online = src
	}
	v.reconciler = ades.NewReconciler(ades.WithLogger(v.logger))
	return v, nil
}

func onlineRevocation(cfg *config.Configuration, logger *slog.Logger) (certvalidator.RevocationSource, error) {
	opts := fetchers.OptionsFor(cfg, config.PurposeOCSP)
	opts.Logger = logger
	client, err := fetchers.ConfigureDataLoader(config.PurposeOCSP, opts)
	if err != nil {
		return nil, err
	}
	fc := fetchers.DefaultConfig()
	fc.HTTPClient = client
	fc.Logger = logger
	return fetchers.NewRevocationChecker(fetchers.NewOCSPFetcher(fc, cfg.OCSPSource)), nil
}

// Validate validates every signature of c. A signature document that cannot
// be parsed yields a FORMAT_FAILURE report and does not stop the others.
func (v *Validator) Validate(ctx context.Context, c *container.Container, documentName string) (*ades.ContainerReport, error) {
	if c == nil {
		return nil, ErrNilContainer
	}
	report := &ades.ContainerReport{
		ValidationTime:   v.clock.Now(),
		ValidationPolicy: PolicyName,
		DocumentName:     documentName,
	}
	files := c.DataFiles()
	for _, entry := range c.Signatures() {
		sigs, err := xades.ParseAll(entry.Data, xades.WithTimeMarkPolicy(v.cfg.Signature.TimeMarkPolicyOID))
		if err != nil {
			v.logger.Warn("signature could not be parsed", "entry", entry.Name, "error", err)
			report.AddSignature(formatFailure(entry.Name, documentName, err))
			continue
		}
		for _, ps := range sigs {
			sr, err := v.ValidateSignature(ctx, c, ps, documentName)
			if err != nil {
				return nil, err
			}
			report.AddSignature(sr)
			report.ContainerErrors = append(report.ContainerErrors, manifestErrors(ps, files)...)
		}
	}
	report.ComputeOverallIndication()
	v.logger.Info("container validated",
		"document", documentName,
		"signatures", report.SignaturesCount(),
		"valid", report.ValidSignaturesCount(),
		"indication", report.Indication)
	return report, nil
}

// ValidateSignature validates one parsed signature of c.
func (v *Validator) ValidateSignature(ctx context.Context, c *container.Container, ps *xades.ParsedSignature, documentName string) (*ades.ValidationReport, error) {
	now := v.clock.Now()
	ev := v.evaluate(ctx, c, ps, now)
	raw := &ades.RawReport{
		DocumentName:   documentName,
		ValidationTime: now,
		Signatures:     []*ades.ValidationReport{ev.entry},
	}
	sr, err := v.reconciler.Reconcile(raw, ev.rich, documentName, ps.Profile)
	if err != nil {
		return nil, err
	}
	v.logger.Debug("signature validated",
		"id", sr.ID,
		"profile", ps.Profile.String(),
		"indication", sr.Indication,
		"sub_indication", sr.SubIndication,
		"errors", len(sr.AllErrors()))
	return sr, nil
}

func formatFailure(entryName, documentName string, err error) *ades.ValidationReport {
	return &ades.ValidationReport{
		ID:              entryName,
		SignatureFormat: "XAdES",
		DocumentName:    documentName,
		Indication:      ades.IndicationTotalFailed,
		SubIndication:   ades.SubIndicationFormatFailure,
		Errors:          []string{err.Error()},
	}
}

// manifestErrors compares the manifest entries with the data objects the
// signature references.
func manifestErrors(ps *xades.ParsedSignature, files []container.DataFile) []string {
	refs := make(map[string]xades.Reference)
	for _, ref := range ps.References {
		if ref.IsSignedProperties() || (ref.URI != "" && ref.URI[0] == '#') {
			continue
		}
		refs[xades.UnescapeFileURI(ref.URI)] = ref
	}
	var out []string
	for _, f := range files {
		ref, ok := refs[f.Name]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf(
				"Manifest file has an entry for file <%s> with mimetype <%s> but the signature file for signature %s does not have an entry for this file",
				f.Name, f.MediaType, ps.ID))
		case ref.MimeType != "" && ref.MimeType != f.MediaType:
			out = append(out, fmt.Sprintf(
				"Manifest file has an entry for file <%s> with mimetype <%s> but the signature file for signature %s indicates the mimetype is <%s>",
				f.Name, f.MediaType, ps.ID, ref.MimeType))
		}
	}
	return out
}
