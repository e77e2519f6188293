// Package sign creates XAdES signatures in ASiC-E and BDOC containers.
//
// Signing is a two-phase protocol. A Builder resolves the signature
// parameters and produces the DataToSign; the caller signs its bytes with any
// signature token and hands the value to the Finalizer, which assembles the
// signature, extends it to the requested profile and adds it to the
// container.
package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/xades"
	"github.com/google/uuid"
)

var (
	ErrMissingSigningCertificate = errors.New("signing certificate is required")
	ErrContainerWithoutFiles     = errors.New("container has no data files to sign")
	ErrNotSupportedProfile       = errors.New("signature profile is not supported by the container")
	ErrDuplicateSignatureID      = container.ErrDuplicateSignatureID
	ErrFinalizerUsed             = errors.New("signature finalizer has already been used")
	ErrInvalidSignature          = errors.New("signature document is empty")
	ErrCertificateRevoked        = errors.New("signing certificate is revoked")
	ErrSameProfile               = errors.New("signature is already at the requested profile")
	ErrNotSupportedExtension     = errors.New("signature profile cannot be extended")
)

// TechnicalError reports a structural failure while building or parsing a
// signature.
type TechnicalError = xades.TechnicalError

// Defaults applied when neither the parameters nor the configuration decide.
const (
	DefaultSignatureDigest = crypto.SHA256
	DefaultDataFileDigest  = crypto.SHA256
	DefaultProfile         = xades.ProfileLT
)

// BDOC policy document, referenced by LT_TM and B_EPES signatures in BDOC
// containers when no custom policy is set.
const (
	timeMarkPolicyDigest = "7pudpH4eXlguSZY2e/pNbKzGsq+fu//woYL1SZFws1A="
	timeMarkPolicySPURI  = "https://www.sk.ee/repository/bdoc-spec21.pdf"
)

// DefaultTimeMarkPolicy returns the BDOC 2.1 policy identifier with the
// given OID, or the standard OID when oid is empty.
func DefaultTimeMarkPolicy(oid string) *xades.Policy {
	if oid == "" {
		oid = config.DefaultTimeMarkPolicyOID
	}
	return bdocPolicy(oid)
}

// DefaultEPESPolicy returns the BDOC policy identifier set on B_EPES
// signatures, or the standard EPES OID when oid is empty.
func DefaultEPESPolicy(oid string) *xades.Policy {
	if oid == "" {
		oid = config.DefaultEPESPolicyOID
	}
	return bdocPolicy(oid)
}

func bdocPolicy(oid string) *xades.Policy {
	value, _ := base64.StdEncoding.DecodeString(timeMarkPolicyDigest)
	return &xades.Policy{
		ID:              xades.StripURNOID(oid),
		DigestValue:     value,
		DigestAlgorithm: crypto.SHA256,
		Qualifier:       xades.OIDAsURN,
		SPURI:           timeMarkPolicySPURI,
	}
}

// SignatureParameters are the caller's signature settings. Unset fields are
// filled by ResolveParameters.
type SignatureParameters struct {
	// ID is the ds:Signature Id. Generated when empty.
	ID string

	SigningCertificate *x509.Certificate
	// CertificateChain holds the issuers of the signing certificate, used to
	// locate the OCSP issuer and embedded in LT signatures.
	CertificateChain []*x509.Certificate

	SignatureDigest     crypto.Hash
	DataFileDigest      crypto.Hash
	EncryptionAlgorithm xades.EncryptionAlgorithm
	Profile             xades.Profile

	// Policy is a custom signature policy. Nil uses the container default.
	Policy *xades.Policy

	SignerRoles     []string
	ProductionPlace *xades.ProductionPlace

	// SigningTime is stamped when the data to sign is built.
	SigningTime time.Time
}

// ResolveParameters fills every unset field of params in place. Values already
// set are kept, so resolving twice changes nothing.
func ResolveParameters(params *SignatureParameters, cfg *config.Configuration) error {
	if cfg == nil {
		cfg = config.New(config.ModeProd)
	}

	resolveEncryption(params, cfg)

	if params.SignatureDigest == 0 {
		h, err := xades.ParseDigestAlgorithm(cfg.Signature.DigestAlgorithm)
		if err != nil {
			return &config.ConfigError{Field: "signature.digest-algorithm", Message: cfg.Signature.DigestAlgorithm, Err: err}
		}
		if h == 0 {
			if h, err = defaultSignatureDigest(params); err != nil {
				return err
			}
		}
		params.SignatureDigest = h
	}

	if params.DataFileDigest == 0 {
		h, err := xades.ParseDigestAlgorithm(cfg.Signature.DataFileDigestAlgorithm)
		if err != nil {
			return &config.ConfigError{Field: "signature.data-file-digest-algorithm", Message: cfg.Signature.DataFileDigestAlgorithm, Err: err}
		}
		if h == 0 {
			h = DefaultDataFileDigest
		}
		params.DataFileDigest = h
	}

	if params.Profile == xades.ProfileUnknown {
		params.Profile = DefaultProfile
		if cfg.Signature.Profile != "" {
			p, err := xades.ParseProfile(cfg.Signature.Profile)
			if err != nil {
				return &config.ConfigError{Field: "signature.profile", Message: cfg.Signature.Profile, Err: err}
			}
			params.Profile = p
		}
	}

	if params.Policy != nil && params.Policy.DigestAlgorithm == 0 {
		params.Policy.DigestAlgorithm = crypto.SHA256
	}

	if params.ID == "" {
		params.ID = "id-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return nil
}

func resolveEncryption(params *SignatureParameters, cfg *config.Configuration) {
	requested := params.EncryptionAlgorithm
	if requested == "" {
		requested, _ = xades.ParseEncryptionAlgorithm(cfg.Signature.EncryptionAlgorithm)
	}
	if requested == xades.EncryptionECDSA || xades.EncryptionAlgorithmOf(params.SigningCertificate) == xades.EncryptionECDSA {
		params.EncryptionAlgorithm = xades.EncryptionECDSA
		return
	}
	params.EncryptionAlgorithm = xades.EncryptionRSA
}

// defaultSignatureDigest picks the digest recommended for the signer's curve.
func defaultSignatureDigest(params *SignatureParameters) (crypto.Hash, error) {
	if params.EncryptionAlgorithm != xades.EncryptionECDSA {
		return DefaultSignatureDigest, nil
	}
	if params.SigningCertificate == nil {
		return 0, ErrMissingSigningCertificate
	}
	pub, ok := params.SigningCertificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return DefaultSignatureDigest, nil
	}
	return RecommendedDigest(pub.Curve), nil
}

// RecommendedDigest returns the digest matching the strength of curve.
func RecommendedDigest(curve elliptic.Curve) crypto.Hash {
	switch curve.Params().BitSize {
	case 384:
		return crypto.SHA384
	case 521:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func (p *SignatureParameters) xadesParameters(signingTime time.Time) *xades.Parameters {
	return &xades.Parameters{
		ID:                  p.ID,
		SigningCertificate:  p.SigningCertificate,
		CertificateChain:    p.CertificateChain,
		SigningTime:         signingTime,
		SignatureDigest:     p.SignatureDigest,
		DataFileDigest:      p.DataFileDigest,
		EncryptionAlgorithm: p.EncryptionAlgorithm,
		Policy:              p.Policy,
		SignerRoles:         p.SignerRoles,
		ProductionPlace:     p.ProductionPlace,
	}
}
