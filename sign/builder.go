package sign

import (
	"context"
	"crypto"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/xades"
)

// HexMaxLength bounds the hex dumps logged when signing fails.
const HexMaxLength = 10000

// Signature is a finalized or opened signature.
type Signature struct {
	*xades.ParsedSignature

	// FileName is the container entry holding the signature. Empty for
	// signatures opened outside a container.
	FileName string
}

// DataToSign holds the bytes a signature token must sign together with the
// finalizer that completes the signature.
type DataToSign struct {
	bytes     []byte
	finalizer *Finalizer
	params    SignatureParameters
}

// Bytes returns the canonical SignedInfo to be signed.
func (d *DataToSign) Bytes() []byte {
	return append([]byte(nil), d.bytes...)
}

// DigestAlgorithm is the digest the token must use.
func (d *DataToSign) DigestAlgorithm() crypto.Hash {
	return d.params.SignatureDigest
}

// Parameters returns the resolved signature parameters.
func (d *DataToSign) Parameters() SignatureParameters {
	return d.params
}

// Finalizer returns the finalizer bound to these bytes.
func (d *DataToSign) Finalizer() *Finalizer {
	return d.finalizer
}

// Finalize is a shorthand for Finalizer().Finalize.
func (d *DataToSign) Finalize(ctx context.Context, signatureValue []byte) (*Signature, error) {
	return d.finalizer.Finalize(ctx, signatureValue)
}

// Builder creates one signature for a container.
type Builder struct {
	container *container.Container
	params    SignatureParameters
	svc       *services
}

// NewBuilder returns a builder signing c with params. A nil cfg means the
// production defaults.
func NewBuilder(c *container.Container, cfg *config.Configuration, params SignatureParameters, opts ...Option) *Builder {
	return &Builder{
		container: c,
		params:    params,
		svc:       newServices(cfg, opts),
	}
}

// Parameters returns the current, possibly unresolved, parameters.
func (b *Builder) Parameters() SignatureParameters {
	return b.params
}

// BuildDataToSign resolves the parameters and computes the bytes to sign.
func (b *Builder) BuildDataToSign() (*DataToSign, error) {
	f, err := newFinalizer(b.container, &b.params, b.svc)
	if err != nil {
		return nil, err
	}
	return &DataToSign{bytes: f.dataToSign, finalizer: f, params: f.params}, nil
}

// InvokeSigning signs with token in one step.
func (b *Builder) InvokeSigning(token SignatureToken) (*Signature, error) {
	return b.InvokeSigningContext(context.Background(), token)
}

// InvokeSigningContext signs with token in one step. The token's certificate
// replaces any signing certificate set in the parameters.
func (b *Builder) InvokeSigningContext(ctx context.Context, token SignatureToken) (*Signature, error) {
	b.params.SigningCertificate = token.Certificate()
	if cp, ok := token.(ChainProvider); ok && len(b.params.CertificateChain) == 0 {
		b.params.CertificateChain = cp.CertificateChain()
	}
	dts, err := b.BuildDataToSign()
	if err != nil {
		return nil, err
	}
	value, err := token.Sign(ctx, dts.DigestAlgorithm(), dts.bytes)
	if err != nil {
		b.svc.logger.Error("signing failed",
			slog.String("data_to_sign", hexTruncated(dts.bytes, HexMaxLength)),
			slog.Any("error", err))
		return nil, err
	}
	return dts.finalizer.Finalize(ctx, value)
}

// OpenAdESSignature parses a detached signature document and classifies it.
func (b *Builder) OpenAdESSignature(data []byte) (*Signature, error) {
	return openSignature(b.svc, data)
}

func openSignature(svc *services, data []byte) (*Signature, error) {
	if len(data) == 0 {
		svc.logger.Error("signature cannot be empty")
		return nil, ErrInvalidSignature
	}
	parsed, err := xades.Parse(data, xades.WithTimeMarkPolicy(svc.cfg.Signature.TimeMarkPolicyOID))
	if err != nil {
		return nil, err
	}
	return &Signature{ParsedSignature: parsed}, nil
}

// checkContainerCompatibility is the container hook run before a signature is
// computed. ASiC-E containers accept neither time-marks nor BDOC policies.
func checkContainerCompatibility(c *container.Container, p xades.Profile) error {
	if c.Type() == container.TypeASiCE && (p == xades.ProfileTimeMark || p == xades.ProfileEPES) {
		return fmt.Errorf("%w: %s in %s", ErrNotSupportedProfile, p, c.Type())
	}
	return nil
}

// applyContainerPolicy sets the BDOC policy on BDOC signatures that need a
// policy and have none.
func applyContainerPolicy(c *container.Container, params *SignatureParameters, cfg *config.Configuration) {
	if c.Type() != container.TypeBDOC || params.Policy != nil {
		return
	}
	switch params.Profile {
	case xades.ProfileTimeMark:
		params.Policy = DefaultTimeMarkPolicy(cfg.Signature.TimeMarkPolicyOID)
	case xades.ProfileEPES:
		params.Policy = DefaultEPESPolicy(cfg.Signature.EPESPolicyOID)
	}
}

func checkDuplicateID(c *container.Container, id string) error {
	for _, entry := range c.Signatures() {
		sigs, err := xades.ParseAll(entry.Data)
		if err != nil {
			continue
		}
		for _, s := range sigs {
			if s.ID == id {
				return fmt.Errorf("%w: %s", ErrDuplicateSignatureID, id)
			}
		}
	}
	return nil
}

// hexTruncated renders b as hex, cut to at most limit characters.
func hexTruncated(b []byte, limit int) string {
	if b == nil {
		return ""
	}
	s := hex.EncodeToString(b)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
