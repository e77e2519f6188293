package validation

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"golang.org/x/crypto/ocsp"
)

// SourceEmbeddedOCSP marks revocation results read from the signature.
const SourceEmbeddedOCSP = "embedded OCSP"

// embeddedRevocation answers from the OCSP responses carried by a signature
// and asks online only when none of them is about the certificate.
type embeddedRevocation struct {
	responses [][]byte
	online    certvalidator.RevocationSource
}

var _ certvalidator.RevocationSource = (*embeddedRevocation)(nil)

func (e *embeddedRevocation) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) *fetchers.RevocationResult {
	for _, raw := range e.responses {
		resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
		if err != nil {
			continue
		}
		return revocationResult(resp, raw)
	}
	if e.online == nil {
		return &fetchers.RevocationResult{
			Status: fetchers.RevocationStatusUnknown,
			Source: SourceEmbeddedOCSP,
			Error:  ErrNoRevocationData,
		}
	}
	return e.online.CheckRevocation(ctx, cert, issuer)
}

func revocationResult(resp *ocsp.Response, raw []byte) *fetchers.RevocationResult {
	res := &fetchers.RevocationResult{
		Source: SourceEmbeddedOCSP,
		OCSP:   &fetchers.OCSPResult{Response: resp, Raw: raw},
	}
	switch resp.Status {
	case ocsp.Good:
		res.Status = fetchers.RevocationStatusGood
	case ocsp.Revoked:
		at := resp.RevokedAt
		res.Status = fetchers.RevocationStatusRevoked
		res.RevocationTime = &at
		res.Reason = fmt.Sprintf("revocation reason: %d", resp.RevocationReason)
	default:
		res.Status = fetchers.RevocationStatusUnknown
	}
	return res
}
