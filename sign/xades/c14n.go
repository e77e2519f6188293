package xades

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

var ErrInvalidSignatureValue = errors.New("signature value does not match signed info")

const canonicalXML10Rec = string(dsig.CanonicalXML10RecAlgorithmId)

// canonicalize renders el with exclusive C14N.
func canonicalize(el *etree.Element) ([]byte, error) {
	return canonicalizeWith(el, CanonicalizationAlgorithm)
}

func canonicalizerFor(alg string) (dsig.Canonicalizer, error) {
	switch dsig.AlgorithmID(alg) {
	case "", dsig.CanonicalXML10ExclusiveAlgorithmId:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""), nil
	case dsig.CanonicalXML11AlgorithmId:
		return dsig.MakeC14N11Canonicalizer(), nil
	case dsig.CanonicalXML10RecAlgorithmId:
		return dsig.MakeC14N10RecCanonicalizer(), nil
	}
	return nil, fmt.Errorf("%w: canonicalization %s", ErrUnsupportedSignatureAlg, alg)
}

// canonicalizeWith renders el with the given algorithm. The element is
// copied and given the namespace declarations in scope at its position, so
// el itself is never modified.
func canonicalizeWith(el *etree.Element, alg string) ([]byte, error) {
	c, err := canonicalizerFor(alg)
	if err != nil {
		return nil, err
	}
	detached := el.Copy()
	declared := make(map[string]bool)
	for _, a := range detached.Attr {
		if name, ok := nsDeclName(a); ok {
			declared[name] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			name, ok := nsDeclName(a)
			if !ok || declared[name] {
				continue
			}
			declared[name] = true
			detached.CreateAttr(a.FullKey(), a.Value)
		}
	}
	out, err := c.Canonicalize(detached)
	if err != nil {
		return nil, fmt.Errorf("canonicalization of %s failed: %w", el.Tag, err)
	}
	return out, nil
}

// nsDeclName returns the declared prefix ("" for the default namespace).
func nsDeclName(a etree.Attr) (string, bool) {
	switch {
	case a.Space == "xmlns":
		return a.Key, true
	case a.Space == "" && a.Key == "xmlns":
		return "", true
	}
	return "", false
}

func digest(h crypto.Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// encodeSignatureValue converts an ASN.1 ECDSA signature to the fixed-size
// r||s form XML-DSig uses. RSA values and values already in r||s form pass
// through.
func encodeSignatureValue(pub crypto.PublicKey, value []byte) ([]byte, error) {
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return value, nil
	}
	size := (ec.Curve.Params().BitSize + 7) / 8
	if len(value) == 2*size {
		return value, nil
	}
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(value, &sig)
	if err != nil || len(rest) > 0 || sig.R == nil || sig.S == nil {
		return nil, fmt.Errorf("%w: malformed ECDSA signature", ErrInvalidSignatureValue)
	}
	if sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, fmt.Errorf("%w: ECDSA signature too long", ErrInvalidSignatureValue)
	}
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}

// verifySignatureValue checks an XML-DSig signature value over signed.
func verifySignatureValue(cert *x509.Certificate, h crypto.Hash, signed, value []byte) error {
	hashed := digest(h, signed)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, h, hashed, value); err != nil {
			return ErrInvalidSignatureValue
		}
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(value) != 2*size {
			return fmt.Errorf("%w: unexpected ECDSA signature length %d", ErrInvalidSignatureValue, len(value))
		}
		r := new(big.Int).SetBytes(value[:size])
		s := new(big.Int).SetBytes(value[size:])
		if !ecdsa.Verify(pub, hashed, r, s) {
			return ErrInvalidSignatureValue
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedSignatureAlg, cert.PublicKey)
	}
	return nil
}

// EncryptionAlgorithmOf returns the signature algorithm family of cert's key.
func EncryptionAlgorithmOf(cert *x509.Certificate) EncryptionAlgorithm {
	if cert != nil {
		if _, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return EncryptionECDSA
		}
	}
	return EncryptionRSA
}

type issuerSerial struct {
	Issuer []asn1.RawValue
	Serial *big.Int
}

// issuerSerialV2 encodes the IssuerSerial structure used by SigningCertificateV2.
func issuerSerialV2(cert *x509.Certificate) ([]byte, error) {
	dirName := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: cert.RawIssuer}
	return asn1.Marshal(issuerSerial{Issuer: []asn1.RawValue{dirName}, Serial: cert.SerialNumber})
}

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type digestInfo struct {
	DigestAlgorithm algorithmIdentifier
	Digest          []byte
}

// digestInfoSHA256 returns the DER DigestInfo of the SHA-256 digest of data.
func digestInfoSHA256(data []byte) ([]byte, error) {
	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{Algorithm: oidSHA256, Parameters: asn1.NullRawValue},
		Digest:          digest(crypto.SHA256, data),
	})
}
