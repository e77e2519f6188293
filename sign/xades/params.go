package xades

import (
	"crypto"
	"crypto/x509"
	"errors"
	"strings"
	"time"
)

// Policy is an explicit signature policy identifier.
type Policy struct {
	// ID is the policy OID, with or without the urn:oid: prefix.
	ID              string
	DigestValue     []byte
	DigestAlgorithm crypto.Hash
	// Qualifier is written as the Identifier Qualifier attribute, e.g. OIDAsURN.
	Qualifier string
	SPURI     string
}

// OID returns the policy identifier without any urn:oid: prefix.
func (p *Policy) OID() string {
	if p == nil {
		return ""
	}
	return StripURNOID(p.ID)
}

// StripURNOID removes a leading urn:oid: from id.
func StripURNOID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= len(urnOID) && strings.EqualFold(id[:len(urnOID)], urnOID) {
		return id[len(urnOID):]
	}
	return id
}

// ProductionPlace is the claimed signature production place.
type ProductionPlace struct {
	City            string
	StateOrProvince string
	PostalCode      string
	Country         string
}

func (p *ProductionPlace) empty() bool {
	return p == nil || (p.City == "" && p.StateOrProvince == "" && p.PostalCode == "" && p.Country == "")
}

// Parameters are the fully resolved inputs of a signature document.
type Parameters struct {
	ID                 string
	SigningCertificate *x509.Certificate
	CertificateChain   []*x509.Certificate
	SigningTime        time.Time

	SignatureDigest     crypto.Hash
	DataFileDigest      crypto.Hash
	EncryptionAlgorithm EncryptionAlgorithm

	Policy          *Policy
	SignerRoles     []string
	ProductionPlace *ProductionPlace
}

var (
	ErrMissingCertificate      = errors.New("signing certificate is required")
	ErrUnsupportedDigest       = errors.New("unsupported digest algorithm")
	ErrUnsupportedSignatureAlg = errors.New("unsupported signature algorithm")
	ErrNoDataFiles             = errors.New("no data files to sign")
)

func (p *Parameters) check() error {
	if p.SigningCertificate == nil {
		return ErrMissingCertificate
	}
	if _, ok := DigestMethodURI(p.DataFileDigest); !ok {
		return ErrUnsupportedDigest
	}
	if _, ok := DigestMethodURI(p.SignatureDigest); !ok {
		return ErrUnsupportedDigest
	}
	if _, ok := SignatureMethodURI(p.EncryptionAlgorithm, p.SignatureDigest); !ok {
		return ErrUnsupportedSignatureAlg
	}
	return nil
}
