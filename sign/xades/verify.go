package xades

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/timestamps"
)

var (
	ErrSignedDataNotFound       = errors.New("signed data not found")
	ErrReferenceDigest          = errors.New("reference digest mismatch")
	ErrUnsignedDataFile         = errors.New("data file is not covered by the signature")
	ErrSigningCertificateDigest = errors.New("signing certificate digest mismatch")
)

// Verify checks the cryptographic integrity of p against the container's
// data files: every reference digest, the coverage of every data file, the
// signing certificate digest and the signature value. All failures are
// reported together.
func Verify(p *ParsedSignature, files []container.DataFile) error {
	if p == nil || p.doc == nil {
		return ErrNoSignature
	}
	sig := p.doc.signature
	signedInfo := childNS(sig, DSigNamespace, SignedInfoTag)
	if signedInfo == nil {
		return fmt.Errorf("%w: SignedInfo missing", ErrMalformedSignature)
	}

	var errs []error
	covered := make(map[string]bool)
	for _, ref := range childrenNS(signedInfo, DSigNamespace, ReferenceTag) {
		uri := ref.SelectAttrValue(URIAttr, "")
		if uri == "" || uri[0] != '#' {
			covered[UnescapeFileURI(uri)] = true
		}
		if err := verifyReference(sig, ref, files); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range files {
		if !covered[f.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnsignedDataFile, f.Name))
		}
	}

	if err := verifySigningCertificate(sig, p.SigningCertificate); err != nil {
		errs = append(errs, err)
	}

	alg := ""
	if cm := childNS(signedInfo, DSigNamespace, CanonicalizationMethodTag); cm != nil {
		alg = cm.SelectAttrValue(AlgorithmAttr, "")
	}
	signed, err := canonicalizeWith(signedInfo, alg)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	value, err := p.doc.SignatureValueOctets()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if p.SignatureDigest == 0 {
		errs = append(errs, ErrUnsupportedSignatureAlg)
	} else if err := verifySignatureValue(p.SigningCertificate, p.SignatureDigest, signed, value); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func verifyReference(sig, ref *etree.Element, files []container.DataFile) error {
	uri := ref.SelectAttrValue(URIAttr, "")
	dm := childNS(ref, DSigNamespace, DigestMethodTag)
	dv := childNS(ref, DSigNamespace, DigestValueTag)
	if dm == nil || dv == nil {
		return fmt.Errorf("%w: reference %s", ErrMalformedSignature, uri)
	}
	h, ok := DigestFromURI(dm.SelectAttrValue(AlgorithmAttr, ""))
	if !ok {
		return fmt.Errorf("%w: reference %s", ErrUnsupportedDigest, uri)
	}
	want, err := decodeBase64Text(dv)
	if err != nil {
		return fmt.Errorf("%w: reference %s: %v", ErrMalformedSignature, uri, err)
	}

	var content []byte
	if len(uri) > 0 && uri[0] == '#' {
		target := findByID(sig, uri[1:])
		if target == nil {
			return fmt.Errorf("%w: %s", ErrSignedDataNotFound, uri)
		}
		if content, err = canonicalizeWith(target, referenceTransform(ref)); err != nil {
			return err
		}
	} else if content, err = referencedContent(sig, ref, files); err != nil {
		return err
	}
	if !bytes.Equal(digest(h, content), want) {
		return fmt.Errorf("%w: %s", ErrReferenceDigest, uri)
	}
	return nil
}

// referenceTransform returns the canonicalization named among the reference
// transforms. Without one, same-document references use inclusive C14N 1.0.
func referenceTransform(ref *etree.Element) string {
	for _, t := range childrenNS(childNS(ref, DSigNamespace, TransformsTag), DSigNamespace, TransformTag) {
		alg := t.SelectAttrValue(AlgorithmAttr, "")
		if _, err := canonicalizerFor(alg); err == nil && alg != "" {
			return alg
		}
	}
	return canonicalXML10Rec
}

// verifySigningCertificate compares the CertDigest of SigningCertificateV2,
// or of the older SigningCertificate, with the KeyInfo certificate.
func verifySigningCertificate(sig *etree.Element, cert *x509.Certificate) error {
	ssp := pathNS(qualifyingProperties(sig), Namespace, SignedPropertiesTag, SignedSignaturePropertiesTag)
	sc := childNS(ssp, Namespace, SigningCertificateTag)
	if sc == nil {
		sc = childNS(ssp, Namespace, SigningCertificateV1Tag)
	}
	if sc == nil {
		return fmt.Errorf("%w: SigningCertificate missing", ErrMalformedSignature)
	}
	for _, c := range childrenNS(sc, Namespace, CertTag) {
		cd := childNS(c, Namespace, CertDigestTag)
		dm := childNS(cd, DSigNamespace, DigestMethodTag)
		dv := childNS(cd, DSigNamespace, DigestValueTag)
		if dm == nil || dv == nil {
			continue
		}
		h, ok := DigestFromURI(dm.SelectAttrValue(AlgorithmAttr, ""))
		if !ok {
			continue
		}
		want, err := decodeBase64Text(dv)
		if err != nil {
			continue
		}
		if bytes.Equal(digest(h, cert.Raw), want) {
			return nil
		}
	}
	return ErrSigningCertificateDigest
}

// TimestampKind tells signature timestamps from archive timestamps.
type TimestampKind string

const (
	SignatureTimestamp TimestampKind = "SIGNATURE_TIMESTAMP"
	ArchiveTimestamp   TimestampKind = "ARCHIVE_TIMESTAMP"
)

// TimestampCheck is the outcome of checking one timestamp's message imprint.
type TimestampCheck struct {
	Kind  TimestampKind
	Token *timestamps.Token
	Err   error
}

// VerifyTimestamps checks that every embedded timestamp covers the data it
// claims to. Token signatures were checked when the tokens were parsed.
func VerifyTimestamps(p *ParsedSignature, files []container.DataFile) []TimestampCheck {
	if p == nil || p.doc == nil {
		return nil
	}
	sig := p.doc.signature
	usp := pathNS(qualifyingProperties(sig), Namespace, UnsignedPropertiesTag, UnsignedSignaturePropertiesTag)
	if usp == nil {
		return nil
	}

	var checks []TimestampCheck
	var sigData []byte
	var sigDataErr error
	sigIdx, arcIdx := 0, 0
	for _, el := range usp.ChildElements() {
		switch {
		case isElement(el, Namespace, SignatureTimeStampTag):
			if sigIdx >= len(p.SignatureTimestamps) {
				continue
			}
			tok := p.SignatureTimestamps[sigIdx]
			sigIdx++
			if sigData == nil && sigDataErr == nil {
				sigData, sigDataErr = signatureTimestampData(sig)
			}
			check := TimestampCheck{Kind: SignatureTimestamp, Token: tok, Err: sigDataErr}
			if check.Err == nil {
				check.Err = tok.Verify(sigData)
			}
			checks = append(checks, check)
		case isElement(el, ArchiveTimestampNamespace, ArchiveTimeStampTag), isElement(el, Namespace, ArchiveTimeStampTag):
			if arcIdx >= len(p.ArchiveTimestamps) {
				continue
			}
			tok := p.ArchiveTimestamps[arcIdx]
			arcIdx++
			check := TimestampCheck{Kind: ArchiveTimestamp, Token: tok}
			data, err := archiveTimestampData(sig, files, el)
			if err != nil {
				check.Err = err
			} else {
				check.Err = tok.Verify(data)
			}
			checks = append(checks, check)
		}
	}
	return checks
}
