// Package signers provides signature tokens: software keys loaded from
// PKCS#12 or PEM/DER files, PKCS#11 hardware tokens and remote signing
// services speaking the Cloud Signature Consortium API.
//
// Every token receives the canonical data to sign and hashes it itself, so a
// token can be handed directly to sign.Builder.InvokeSigning.
package signers

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/keys"
	"github.com/georgepadayatti/goasic/sign"
)

var (
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")
	ErrKeyMismatch       = errors.New("private key does not match the certificate")
)

// KeyToken signs with a private key held in memory.
type KeyToken struct {
	cert  *x509.Certificate
	chain []*x509.Certificate
	key   crypto.Signer
}

// NewKeyToken returns a token for key and its certificate. chain holds the
// issuers of cert and may be empty.
func NewKeyToken(cert *x509.Certificate, key crypto.Signer, chain ...*x509.Certificate) (*KeyToken, error) {
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, ErrKeyMismatch
	}
	return &KeyToken{cert: cert, chain: chain, key: key}, nil
}

// LoadPKCS12Token opens a PKCS#12 keystore.
func LoadPKCS12Token(path, password string) (*KeyToken, error) {
	cred, err := keys.LoadPKCS12Credential(path, password)
	if err != nil {
		return nil, err
	}
	return NewKeyToken(cred.Certificate, cred.PrivateKey, cred.CACerts...)
}

// LoadPemDerToken reads a certificate file and a private key file. The
// certificate file may also contain the issuer chain after the signer.
func LoadPemDerToken(certFile, keyFile string, passphrase []byte) (*KeyToken, error) {
	certs, err := keys.LoadCertsFromPemDer(certFile)
	if err != nil {
		return nil, err
	}
	key, err := keys.LoadPrivateKeyFromPemDer(keyFile, passphrase)
	if err != nil {
		return nil, err
	}
	return NewKeyToken(certs[0], key, certs[1:]...)
}

// Certificate returns the signing certificate.
func (t *KeyToken) Certificate() *x509.Certificate { return t.cert }

// CertificateChain returns the issuers bundled with the key.
func (t *KeyToken) CertificateChain() []*x509.Certificate { return t.chain }

// Sign hashes data with h and signs the digest. ECDSA values are returned in
// ASN.1 form.
func (t *KeyToken) Sign(ctx context.Context, h crypto.Hash, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	d := h.New()
	d.Write(data)
	return t.key.Sign(rand.Reader, d.Sum(nil), h)
}

// Open builds the token described by cfg. The returned function releases
// the token and must be called when signing is done.
func Open(ctx context.Context, cfg *config.TokenConfig) (sign.SignatureToken, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }
	switch cfg.Type {
	case config.TokenPKCS12:
		t, err := LoadPKCS12Token(cfg.Path, cfg.Password)
		if err != nil {
			return nil, nil, err
		}
		return t, noop, nil
	case config.TokenPemDer:
		var pass []byte
		if cfg.Password != "" {
			pass = []byte(cfg.Password)
		}
		t, err := LoadPemDerToken(cfg.CertFile, cfg.KeyFile, pass)
		if err != nil {
			return nil, nil, err
		}
		return t, noop, nil
	case config.TokenCSC:
		session := NewCSCSession(cfg.CSC.ServiceURL, cfg.CSC.CredentialID)
		session.OAuthToken = cfg.CSC.OAuthToken
		t, err := NewCSCToken(ctx, session, WithPIN(cfg.CSC.PIN), WithOTP(cfg.CSC.OTP))
		if err != nil {
			return nil, nil, err
		}
		return t, noop, nil
	default:
		t, err := OpenPKCS11Token(cfg.PKCS11)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}

var _ sign.SignatureToken = (*KeyToken)(nil)
