package qualified

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"github.com/moov-io/signedxml"
)

// ErrListSignature is reported when a trusted list signature does not verify.
var ErrListSignature = errors.New("trusted list signature invalid")

// SignatureVerifier checks the enveloped XML signature of a trusted list
// against candidate signer certificates and returns the one that verified.
type SignatureVerifier interface {
	Verify(data []byte, candidates []*x509.Certificate) (*x509.Certificate, error)
}

// XMLDSigVerifier verifies list signatures with signedxml.
type XMLDSigVerifier struct{}

// Verify implements SignatureVerifier. Candidates are tried newest first.
func (XMLDSigVerifier) Verify(data []byte, candidates []*x509.Certificate) (*x509.Certificate, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate certificates", ErrListSignature)
	}
	sorted := make([]*x509.Certificate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].NotBefore.After(sorted[j].NotBefore)
	})

	var lastErr error
	for _, cert := range sorted {
		signer, err := verifyWith(string(data), cert)
		if err == nil {
			return signer, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: none of %d candidate certificates verified: %v", ErrListSignature, len(candidates), lastErr)
}

func verifyWith(xmlContent string, cert *x509.Certificate) (*x509.Certificate, error) {
	validator, err := signedxml.NewValidator(xmlContent)
	if err != nil {
		return nil, fmt.Errorf("failed to create XML signature validator: %w", err)
	}
	validator.Certificates = []x509.Certificate{*cert}

	refs, err := validator.ValidateReferences()
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errors.New("no signed content found in XML")
	}

	signer := validator.SigningCert()
	if len(signer.Raw) == 0 {
		return cert, nil
	}
	if !signer.Equal(cert) {
		return nil, errors.New("signature made by a certificate outside the candidate set")
	}
	return cert, nil
}
