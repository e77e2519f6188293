package validation

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/goasic/sign/xades"
	"golang.org/x/crypto/ocsp"
)

// TimeSource indicates where the best signature time came from.
type TimeSource string

const (
	// TimeSourceEmbeddedTimestamp is the earliest valid signature timestamp.
	TimeSourceEmbeddedTimestamp TimeSource = "embedded_timestamp"

	// TimeSourceTimeMark is the production time of the embedded time-mark
	// OCSP response.
	TimeSourceTimeMark TimeSource = "time_mark"

	// TimeSourceSignatureTime is the claimed SigningTime. It is provided by
	// the signer and not trusted.
	TimeSourceSignatureTime TimeSource = "signature_time"

	// TimeSourceCurrentTime is the validation time, used when the signature
	// carries no time at all.
	TimeSourceCurrentTime TimeSource = "current_time"
)

func (ts TimeSource) String() string {
	return string(ts)
}

// IsTrusted reports whether the time is proven by a third party.
func (ts TimeSource) IsTrusted() bool {
	return ts == TimeSourceEmbeddedTimestamp || ts == TimeSourceTimeMark
}

// BestSignatureTime returns the earliest time at which p provably existed.
// validTimestamps lists the signature timestamps whose imprint verified.
func BestSignatureTime(p *xades.ParsedSignature, validTimestamps []time.Time, now time.Time) (time.Time, TimeSource) {
	var best time.Time
	for _, t := range validTimestamps {
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if !best.IsZero() {
		return best, TimeSourceEmbeddedTimestamp
	}
	if p.Profile == xades.ProfileTimeMark {
		if resp := timeMarkResponse(p); resp != nil {
			return resp.ProducedAt, TimeSourceTimeMark
		}
	}
	if !p.SigningTime.IsZero() {
		return p.SigningTime, TimeSourceSignatureTime
	}
	return now, TimeSourceCurrentTime
}

// timeMarkResponse returns the embedded OCSP response about the signing
// certificate.
func timeMarkResponse(p *xades.ParsedSignature) *ocsp.Response {
	if p.SigningCertificate == nil {
		return nil
	}
	for _, resp := range p.OCSP() {
		if resp.SerialNumber != nil && resp.SerialNumber.Cmp(p.SigningCertificate.SerialNumber) == 0 {
			return resp
		}
	}
	return nil
}

// RevocationTimingStatus relates the revocation time to the signature time.
type RevocationTimingStatus string

const (
	RevocationTimingNotRevoked    RevocationTimingStatus = "not_revoked"
	RevocationTimingRevokedBefore RevocationTimingStatus = "revoked_before_signing"
	RevocationTimingRevokedAfter  RevocationTimingStatus = "revoked_after_signing"
	// RevocationTimingUnknown means the signature time is not proven, so a
	// revocation cannot be placed relative to it.
	RevocationTimingUnknown RevocationTimingStatus = "unknown"
)

func (s RevocationTimingStatus) String() string {
	return string(s)
}

// RevocationTiming is the outcome of AnalyzeRevocationTiming.
type RevocationTiming struct {
	Status         RevocationTimingStatus
	RevocationTime *time.Time
	Warning        string
}

// AnalyzeRevocationTiming places a revocation relative to the best
// signature time. Only a trusted time source can show that the signature
// predates the revocation.
func AnalyzeRevocationTiming(revoked bool, revocationTime *time.Time, signingTime time.Time, source TimeSource) *RevocationTiming {
	res := &RevocationTiming{RevocationTime: revocationTime}
	switch {
	case !revoked:
		res.Status = RevocationTimingNotRevoked
	case revocationTime == nil || !source.IsTrusted():
		res.Status = RevocationTimingUnknown
		res.Warning = "Certificate is revoked and the signature time is not proven by a timestamp or time-mark."
	case revocationTime.Before(signingTime):
		res.Status = RevocationTimingRevokedBefore
	default:
		res.Status = RevocationTimingRevokedAfter
		res.Warning = fmt.Sprintf("Certificate was revoked on %s, after the signature time %s.",
			revocationTime.Format(time.RFC3339), signingTime.Format(time.RFC3339))
	}
	return res
}

// CertificateValidityAt reports whether cert was within its validity
// period at t.
func CertificateValidityAt(cert *x509.Certificate, t time.Time) error {
	switch {
	case t.Before(cert.NotBefore):
		return fmt.Errorf("%w: valid from %s", ErrCertificateNotYetValid, cert.NotBefore.Format(time.RFC3339))
	case t.After(cert.NotAfter):
		return fmt.Errorf("%w: expired on %s", ErrCertificateExpired, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func containsCert(certs []*x509.Certificate, c *x509.Certificate) bool {
	for _, x := range certs {
		if bytes.Equal(x.Raw, c.Raw) {
			return true
		}
	}
	return false
}
