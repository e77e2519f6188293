package certvalidator

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	gocache "github.com/patrickmn/go-cache"
)

// Validation errors reported in Result.Err.
var (
	ErrNoIssuer        = errors.New("no issuer found in trust store")
	ErrAmbiguousIssuer = errors.New("issuer identity is ambiguous")
	ErrRevocation      = errors.New("revocation check inconclusive")
)

// Status is the trust verdict for one certificate.
type Status string

const (
	StatusGood      Status = "GOOD"
	StatusRevoked   Status = "REVOKED"
	StatusUnknown   Status = "UNKNOWN"
	StatusUntrusted Status = "UNTRUSTED"
)

func (s Status) String() string { return string(s) }

// RevocationSource checks the status of cert as issued by issuer. It must
// report failures through the result rather than panic or block forever.
type RevocationSource interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) *fetchers.RevocationResult
}

// Result carries the verdict together with the material it was based on.
type Result struct {
	Status     Status
	Issuer     *x509.Certificate
	Revocation *fetchers.RevocationResult
	Err        error
}

// Validator evaluates certificates against a TrustStore and OCSP.
type Validator struct {
	store      *TrustStore
	revocation RevocationSource
	cache      *gocache.Cache
	logger     *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithResponseCache caches conclusive revocation results per issuer and
// serial for ttl.
func WithResponseCache(ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		if ttl > 0 {
			v.cache = gocache.New(ttl, 2*ttl)
		}
	}
}

// NewValidator creates a validator. A nil revocation source makes every
// trusted certificate UNKNOWN.
func NewValidator(store *TrustStore, revocation RevocationSource, opts ...ValidatorOption) *Validator {
	v := &Validator{store: store, revocation: revocation, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store returns the trust store consulted by the validator.
func (v *Validator) Store() *TrustStore {
	return v.store
}

// Validate returns the trust status of cert. Revocation problems never
// surface as errors; they yield StatusUnknown.
func (v *Validator) Validate(ctx context.Context, cert *x509.Certificate) Status {
	return v.ValidateDetailed(ctx, cert).Status
}

// ValidateDetailed is Validate with the issuer and revocation data attached.
func (v *Validator) ValidateDetailed(ctx context.Context, cert *x509.Certificate) *Result {
	issuer, err := v.ResolveIssuer(cert)
	switch {
	case errors.Is(err, ErrNoIssuer):
		v.logger.Debug("certificate issuer not trusted", "subject", cert.Subject.String())
		return &Result{Status: StatusUntrusted, Err: err}
	case err != nil:
		v.logger.Warn("certificate issuer ambiguous", "subject", cert.Subject.String(), "issuer", cert.Issuer.String())
		return &Result{Status: StatusUnknown, Err: err}
	}

	if v.revocation == nil {
		return &Result{Status: StatusUnknown, Issuer: issuer, Err: ErrRevocation}
	}

	key := cacheKey(cert, issuer)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			return cached.(*Result)
		}
	}

	rev := v.revocation.CheckRevocation(ctx, cert, issuer)
	res := &Result{Issuer: issuer, Revocation: rev}
	switch {
	case rev == nil:
		res.Status, res.Err = StatusUnknown, ErrRevocation
	case rev.Status == fetchers.RevocationStatusRevoked:
		res.Status = StatusRevoked
	case rev.Status == fetchers.RevocationStatusGood:
		res.Status = StatusGood
	default:
		res.Status = StatusUnknown
		res.Err = ErrRevocation
		if rev.Error != nil {
			res.Err = errors.Join(ErrRevocation, rev.Error)
		}
		v.logger.Info("revocation check inconclusive", "subject", cert.Subject.String(), "error", rev.Error)
	}

	if v.cache != nil && res.Status != StatusUnknown {
		v.cache.Set(key, res, gocache.DefaultExpiration)
	}
	return res
}

// ResolveIssuer finds the trust store entry that issued cert. Candidates are
// matched by subject name, then narrowed by key identifier and signature.
// More than one surviving candidate with different keys is ambiguous.
func (v *Validator) ResolveIssuer(cert *x509.Certificate) (*x509.Certificate, error) {
	candidates := v.store.FindIssuers(cert)
	if len(candidates) == 0 {
		return nil, ErrNoIssuer
	}

	var byKeyID []*x509.Certificate
	for _, c := range candidates {
		if match, ok := keyIDMatches(cert, c); !ok || match {
			byKeyID = append(byKeyID, c)
		}
	}

	var verified []*x509.Certificate
	for _, c := range byKeyID {
		if cert.CheckSignatureFrom(c) == nil {
			verified = append(verified, c)
		}
	}

	switch {
	case len(verified) == 1:
		return verified[0], nil
	case len(verified) > 1:
		if sameKey(verified) {
			return verified[0], nil
		}
		return nil, ErrAmbiguousIssuer
	case len(candidates) > 1:
		return nil, ErrAmbiguousIssuer
	default:
		return nil, ErrNoIssuer
	}
}

func sameKey(certs []*x509.Certificate) bool {
	first, ok := certs[0].PublicKey.(interface{ Equal(x any) bool })
	if !ok {
		return false
	}
	for _, c := range certs[1:] {
		if !first.Equal(c.PublicKey) {
			return false
		}
	}
	return true
}

func cacheKey(cert, issuer *x509.Certificate) string {
	fp := CertificateFingerprint(issuer)
	return hex.EncodeToString(fp[:]) + ":" + cert.SerialNumber.Text(16)
}
