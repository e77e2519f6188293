package sign

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/xades"
	"golang.org/x/crypto/ocsp"
)

var (
	ErrDataFilesChanged     = container.ErrDataFilesChanged
	ErrIssuerNotFound       = errors.New("issuer of the signing certificate not found")
	ErrIncompleteParameters = errors.New("finalizer needs the signature id and signing time of the data to sign")
)

// Finalizer completes one signature. It is bound to the container and the
// resolved parameters and can be used once.
type Finalizer struct {
	mu   sync.Mutex
	used bool

	container  *container.Container
	params     SignatureParameters
	files      []container.DataFile
	doc        *xades.SignatureDocument
	dataToSign []byte
	svc        *services
}

// NewFinalizer recreates the finalizer of a signature whose data to sign was
// built earlier, possibly by another process. params must carry the ID and
// signing time used then; the data to sign is then byte-identical.
func NewFinalizer(c *container.Container, cfg *config.Configuration, params SignatureParameters, opts ...Option) (*Finalizer, error) {
	if params.ID == "" || params.SigningTime.IsZero() {
		return nil, ErrIncompleteParameters
	}
	return newFinalizer(c, &params, newServices(cfg, opts))
}

func newFinalizer(c *container.Container, params *SignatureParameters, svc *services) (*Finalizer, error) {
	if err := ResolveParameters(params, svc.cfg); err != nil {
		return nil, err
	}
	if params.SigningCertificate == nil {
		return nil, ErrMissingSigningCertificate
	}
	files := c.DataFiles()
	if len(files) == 0 {
		return nil, ErrContainerWithoutFiles
	}
	applyContainerPolicy(c, params, svc.cfg)
	if err := checkContainerCompatibility(c, params.Profile); err != nil {
		return nil, err
	}
	if err := checkDuplicateID(c, params.ID); err != nil {
		return nil, err
	}
	if params.SigningTime.IsZero() {
		params.SigningTime = svc.clock.Now()
	}

	doc, signable, err := xades.ComputeSignableBytes(files, params.xadesParameters(params.SigningTime))
	if err != nil {
		return nil, err
	}
	svc.logger.Debug("built data to sign",
		slog.String("id", params.ID),
		slog.String("profile", params.Profile.String()),
		slog.Int("files", len(files)))
	return &Finalizer{
		container:  c,
		params:     *params,
		files:      files,
		doc:        doc,
		dataToSign: signable,
		svc:        svc,
	}, nil
}

// DataToSign returns the bytes the signature value must cover.
func (f *Finalizer) DataToSign() []byte {
	return append([]byte(nil), f.dataToSign...)
}

// Finalize assembles the signature from signatureValue, extends it to the
// requested profile and adds it to the container.
func (f *Finalizer) Finalize(ctx context.Context, signatureValue []byte) (*Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used {
		return nil, ErrFinalizerUsed
	}
	f.used = true

	sig, err := f.finalize(ctx, signatureValue)
	if err != nil {
		f.svc.logger.Error("problem with signing",
			slog.String("id", f.params.ID),
			slog.String("data_to_sign", hexTruncated(f.dataToSign, HexMaxLength)),
			slog.String("signature_value", hexTruncated(signatureValue, HexMaxLength)),
			slog.Any("error", err))
		return nil, err
	}
	return sig, nil
}

func (f *Finalizer) finalize(ctx context.Context, signatureValue []byte) (*Signature, error) {
	if err := f.checkContainer(); err != nil {
		return nil, err
	}
	if _, err := xades.Assemble(f.doc, signatureValue); err != nil {
		return nil, err
	}
	ext := &extender{svc: f.svc, chain: f.params.CertificateChain}
	if err := ext.extend(ctx, f.doc, f.files, xades.ProfileBES, f.params.Profile); err != nil {
		return nil, err
	}

	data, err := f.doc.Bytes()
	if err != nil {
		return nil, err
	}
	parsed, err := xades.Parse(data, xades.WithTimeMarkPolicy(f.svc.cfg.Signature.TimeMarkPolicyOID))
	if err != nil {
		return nil, err
	}
	if parsed.Profile != f.params.Profile {
		f.svc.logger.Warn("finalized signature profile differs from the requested one",
			slog.String("requested", f.params.Profile.String()),
			slog.String("actual", parsed.Profile.String()))
	}
	entry, err := f.container.AddSignatureOver(f.files, data)
	if err != nil {
		return nil, err
	}
	f.svc.logger.Info("signature finalized",
		slog.String("id", parsed.ID),
		slog.String("file", entry.Name),
		slog.String("profile", parsed.Profile.String()))
	return &Signature{ParsedSignature: parsed, FileName: entry.Name}, nil
}

// checkContainer fails fast, before any network call, when the container no
// longer matches the data to sign. AddSignatureOver repeats both checks
// atomically.
func (f *Finalizer) checkContainer() error {
	current := f.container.DataFiles()
	if len(current) != len(f.files) {
		return ErrDataFilesChanged
	}
	for i := range current {
		if current[i].Name != f.files[i].Name || current[i].MediaType != f.files[i].MediaType ||
			!bytes.Equal(current[i].Data, f.files[i].Data) {
			return ErrDataFilesChanged
		}
	}
	return checkDuplicateID(f.container, f.params.ID)
}

// extender raises signatures to higher profiles.
type extender struct {
	svc   *services
	chain []*x509.Certificate
}

// extend adds the unsigned properties that take a signature from one profile
// to another.
func (e *extender) extend(ctx context.Context, doc *xades.SignatureDocument, files []container.DataFile, from, to xades.Profile) error {
	switch to {
	case xades.ProfileBES, xades.ProfileEPES:
		return nil
	case xades.ProfileTimeMark:
		return e.addTimeMark(ctx, doc)
	}

	if from != xades.ProfileLT && from != xades.ProfileLTA {
		tsa, err := e.svc.timestamper()
		if err != nil {
			return err
		}
		if _, err := xades.AddSignatureTimestamp(ctx, doc, tsa); err != nil {
			return fmt.Errorf("signature timestamp: %w", err)
		}
		if err := e.addRevocationValues(ctx, doc, nil); err != nil {
			return err
		}
	}
	if to == xades.ProfileLTA {
		tsa, err := e.svc.timestamper()
		if err != nil {
			return err
		}
		if _, err := xades.AddArchiveTimestamp(ctx, doc, files, tsa); err != nil {
			return fmt.Errorf("archive timestamp: %w", err)
		}
	}
	return nil
}

// addTimeMark embeds an OCSP response whose nonce binds it to the signature
// value.
func (e *extender) addTimeMark(ctx context.Context, doc *xades.SignatureDocument) error {
	nonce, err := xades.TimeMarkNonce(doc)
	if err != nil {
		return err
	}
	return e.addRevocationValues(ctx, doc, nonce)
}

func (e *extender) addRevocationValues(ctx context.Context, doc *xades.SignatureDocument, nonce []byte) error {
	cert := doc.Parameters().SigningCertificate
	if cert == nil {
		return ErrMissingSigningCertificate
	}
	issuer, err := e.issuer(ctx, cert)
	if err != nil {
		return err
	}
	src, err := e.svc.ocspSource()
	if err != nil {
		return err
	}
	res, err := src.FetchOCSP(ctx, &fetchers.OCSPRequest{
		Certificate:  cert,
		Issuer:       issuer,
		Nonce:        nonce,
		RequireNonce: len(nonce) > 0,
	})
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	if res.Response.Status == ocsp.Revoked {
		return fmt.Errorf("%w at %s", ErrCertificateRevoked, res.Response.RevokedAt.UTC().Format(time.RFC3339))
	}
	return xades.AddRevocationValues(doc, []*x509.Certificate{cert, issuer}, [][]byte{res.Raw})
}

// issuer looks for the issuer in the known chain first and falls back to
// the certificate's AIA location.
func (e *extender) issuer(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, error) {
	for _, c := range e.chain {
		if certvalidator.IssuedBy(cert, c) {
			return c, nil
		}
	}
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrIssuerNotFound
	}
	src, err := e.svc.issuerSource()
	if err != nil {
		return nil, err
	}
	candidates, err := src.FetchIssuers(ctx, cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerNotFound, err)
	}
	for _, c := range candidates {
		if certvalidator.IssuedBy(cert, c) {
			e.chain = append(e.chain, c)
			return c, nil
		}
	}
	return nil, ErrIssuerNotFound
}
