package validation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/ades"
	"github.com/georgepadayatti/goasic/sign/validation/qualified"
	"github.com/georgepadayatti/goasic/sign/xades"
)

// evaluation accumulates the engine view of one signature (entry) and the
// complete list of findings (rich).
//
// Findings that the engine does not evaluate, such as data file coverage,
// timestamp imprints, qualification status and container policy, go only
// to rich and reach the report through reconciliation.
type evaluation struct {
	entry *ades.ValidationReport
	rich  *ades.RichResult
}

func indicationRank(i ades.Indication) int {
	switch {
	case i.IsFailed():
		return 2
	case i == ades.IndicationIndeterminate:
		return 1
	}
	return 0
}

func (e *evaluation) degrade(ind ades.Indication, sub ades.SubIndication) {
	if indicationRank(ind) <= indicationRank(e.entry.Indication) {
		return
	}
	e.entry.Indication, e.entry.SubIndication = ind, sub
}

func (e *evaluation) fail(ind ades.Indication, sub ades.SubIndication, err error) {
	e.entry.AdESDetails.AddError(err.Error())
	e.rich.AddError(err)
	e.degrade(ind, sub)
}

func (e *evaluation) warn(err error) {
	e.entry.Warnings = append(e.entry.Warnings, err.Error())
	e.rich.AddWarning(err)
}

func (v *Validator) evaluate(ctx context.Context, c *container.Container, ps *xades.ParsedSignature, now time.Time) *evaluation {
	ev := &evaluation{
		entry: &ades.ValidationReport{
			ID:                   ps.ID,
			SignatureFormat:      ps.Level.String(),
			Indication:           ades.IndicationTotalPassed,
			AdESDetails:          &ades.Details{},
			QualificationDetails: &ades.Details{},
		},
		rich: &ades.RichResult{SignatureID: ps.ID},
	}
	if !ps.SigningTime.IsZero() {
		st := ps.SigningTime
		ev.entry.SigningTime = &st
	}
	files := c.DataFiles()

	cert := ps.SigningCertificate
	if cert == nil {
		ev.fail(ades.IndicationIndeterminate, ades.SubIndicationNoSignerCertFound, ErrNoSigningCertificate)
		return ev
	}

	v.checkIntegrity(ev, ps, files)
	validTimes := v.checkTimestamps(ev, ps, files)

	best, source := BestSignatureTime(ps, validTimes, now)
	if source.IsTrusted() {
		ev.entry.BestSignatureTime = &best
	}
	if err := CertificateValidityAt(cert, best); err != nil {
		ev.fail(ades.IndicationIndeterminate, ades.SubIndicationOutOfBoundsNoPoE, err)
	}

	issuer := v.checkTrust(ctx, ev, ps, best, source)
	v.describeChain(ev, ps, issuer)
	if issuer != nil {
		v.checkQualification(ev, issuer)
	}

	if ps.Profile == xades.ProfileTimeMark && timeMarkResponse(ps) == nil {
		ev.rich.AddError(ErrTimeMarkMissing)
	}
	if c.Type() == container.TypeASiCE && (ps.Profile == xades.ProfileTimeMark || ps.Profile == xades.ProfileEPES) {
		ev.rich.AddError(fmt.Errorf("%w: %s in %s", ErrProfileNotAllowed, ps.Profile, c.Type()))
	}
	return ev
}

func (v *Validator) checkIntegrity(ev *evaluation, ps *xades.ParsedSignature, files []container.DataFile) {
	err := xades.Verify(ps, files)
	if err == nil {
		return
	}
	for _, e := range splitErrors(err) {
		if errors.Is(e, xades.ErrUnsignedDataFile) {
			ev.rich.AddError(e)
			continue
		}
		ind, sub := integrityIndication(e)
		ev.fail(ind, sub, e)
	}
}

func integrityIndication(err error) (ades.Indication, ades.SubIndication) {
	switch {
	case errors.Is(err, xades.ErrReferenceDigest):
		return ades.IndicationTotalFailed, ades.SubIndicationHashFailure
	case errors.Is(err, xades.ErrInvalidSignatureValue):
		return ades.IndicationTotalFailed, ades.SubIndicationSigCryptoFailure
	case errors.Is(err, xades.ErrSignedDataNotFound):
		return ades.IndicationIndeterminate, ades.SubIndicationSignedDataNotFound
	case errors.Is(err, xades.ErrSigningCertificateDigest):
		return ades.IndicationIndeterminate, ades.SubIndicationNoSignerCertFound
	}
	return ades.IndicationTotalFailed, ades.SubIndicationFormatFailure
}

func splitErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// checkTimestamps reports every timestamp and returns the production times
// of the signature timestamps whose imprint verified.
func (v *Validator) checkTimestamps(ev *evaluation, ps *xades.ParsedSignature, files []container.DataFile) []time.Time {
	anchors := certvalidator.NewValidator(v.store, nil, certvalidator.WithLogger(v.logger))
	var valid []time.Time
	for i, check := range xades.VerifyTimestamps(ps, files) {
		tr := &ades.TimestampReport{
			ID:          fmt.Sprintf("T-%s-%d", ps.ID, i),
			Type:        string(check.Kind),
			Indication:  ades.IndicationPassed,
			AdESDetails: &ades.Details{},
		}
		if check.Token != nil {
			tr.ProductionTime = check.Token.Time
			if tsa := check.Token.SignerCertificate(); tsa != nil {
				tr.ProducedBy = certvalidator.QualifiedName(tsa)
				if _, err := anchors.ResolveIssuer(tsa); err != nil && !v.store.Contains(tsa) {
					tr.AdESDetails.AddWarning(ErrUntrustedChain.Error())
				}
			}
		}
		if check.Err != nil {
			tr.Indication = ades.IndicationFailed
			tr.SubIndication = ades.SubIndicationHashFailure
			tr.AdESDetails.AddError(check.Err.Error())
			ev.rich.AddError(fmt.Errorf("%w: %v", ErrInvalidTimestamp, check.Err))
		} else if check.Kind == xades.SignatureTimestamp && check.Token != nil {
			valid = append(valid, check.Token.Time)
		}
		ev.entry.Timestamps = append(ev.entry.Timestamps, tr)
	}
	return valid
}

// checkTrust evaluates the signing certificate and returns its trusted
// issuer, if one was found.
func (v *Validator) checkTrust(ctx context.Context, ev *evaluation, ps *xades.ParsedSignature, best time.Time, source TimeSource) *x509.Certificate {
	revocation := &embeddedRevocation{responses: ps.OCSPResponses, online: v.online}
	res := certvalidator.NewValidator(v.store, revocation, certvalidator.WithLogger(v.logger)).
		ValidateDetailed(ctx, ps.SigningCertificate)

	switch res.Status {
	case certvalidator.StatusUntrusted:
		ev.fail(ades.IndicationIndeterminate, ades.SubIndicationNoCertificateChainFound, ErrUntrustedChain)
	case certvalidator.StatusUnknown:
		if res.Issuer == nil {
			ev.fail(ades.IndicationIndeterminate, ades.SubIndicationNoCertificateChainFound,
				fmt.Errorf("%w: %v", ErrUntrustedChain, res.Err))
			break
		}
		err := ErrRevocationInconclusive
		if res.Revocation != nil && res.Revocation.Error != nil {
			err = fmt.Errorf("%w: %v", ErrRevocationInconclusive, res.Revocation.Error)
		}
		ev.fail(ades.IndicationIndeterminate, ades.SubIndicationTryLater, err)
	case certvalidator.StatusRevoked:
		timing := AnalyzeRevocationTiming(true, res.Revocation.RevocationTime, best, source)
		switch timing.Status {
		case RevocationTimingRevokedBefore:
			ev.fail(ades.IndicationTotalFailed, ades.SubIndicationRevoked, ErrRevokedBeforeSigning)
		case RevocationTimingRevokedAfter:
			ev.warn(errors.New(timing.Warning))
		default:
			ev.fail(ades.IndicationIndeterminate, ades.SubIndicationRevokedNoPoE, ErrRevokedNoPoE)
		}
	}
	return res.Issuer
}

func (v *Validator) describeChain(ev *evaluation, ps *xades.ParsedSignature, issuer *x509.Certificate) {
	chain := []*x509.Certificate{ps.SigningCertificate}
	for _, c := range ps.CertificateChain {
		if !containsCert(chain, c) {
			chain = append(chain, c)
		}
	}
	if issuer != nil && !containsCert(chain, issuer) {
		chain = append(chain, issuer)
	}
	for _, c := range chain {
		ev.entry.CertificateChain = append(ev.entry.CertificateChain, ades.NewChainCertificate(c))
	}
	ev.entry.SignedBy = ades.CertificateID(ps.SigningCertificate)
}

func (v *Validator) checkQualification(ev *evaluation, issuer *x509.Certificate) {
	if v.services == nil {
		return
	}
	svc, ok := v.services.ServiceFor(issuer)
	switch {
	case !ok:
		ev.entry.QualificationDetails.AddWarning(ErrNoTrustService.Error())
		ev.rich.AddWarning(ErrNoTrustService)
	case !svc.Active():
		ev.entry.QualificationDetails.AddError(ErrNotGrantedStatus.Error())
		ev.rich.AddError(ErrNotGrantedStatus)
	case !svc.QualifiedFor(qualified.QcCertTypeEsign):
		ev.entry.QualificationDetails.AddWarning(ErrNotQualifiedForEsign.Error())
		ev.rich.AddWarning(ErrNotQualifiedForEsign)
	}
}
