package xades

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/timestamps"
)

// LoadDocument wraps the signature with the given Id (or the first signature
// when id is empty) for extension.
func LoadDocument(data []byte, id string) (*SignatureDocument, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	for _, sig := range signatureElements(doc) {
		if id != "" && sig.SelectAttrValue(IDAttr, "") != id {
			continue
		}
		d := &SignatureDocument{doc: doc, signature: sig}
		if cert, err := keyInfoCertificate(sig); err == nil {
			d.params.SigningCertificate = cert
		}
		d.params.ID = sig.SelectAttrValue(IDAttr, "")
		return d, nil
	}
	return nil, fmt.Errorf("%w: signature %q not found", ErrMalformedSignature, id)
}

func signatureElements(doc *etree.Document) []*etree.Element {
	root := doc.Root()
	if root == nil {
		return nil
	}
	if isElement(root, DSigNamespace, SignatureTag) {
		return []*etree.Element{root}
	}
	return childrenNS(root, DSigNamespace, SignatureTag)
}

// SignatureValueOctets returns the decoded ds:SignatureValue.
func (d *SignatureDocument) SignatureValueOctets() ([]byte, error) {
	sv := childNS(d.signature, DSigNamespace, SignatureValueTag)
	if sv == nil || sv.Text() == "" {
		return nil, fmt.Errorf("%w: SignatureValue missing", ErrMalformedSignature)
	}
	return decodeBase64Text(sv)
}

// signatureTimestampData is the content covered by a signature timestamp:
// the canonical ds:SignatureValue element.
func signatureTimestampData(sig *etree.Element) ([]byte, error) {
	sv := childNS(sig, DSigNamespace, SignatureValueTag)
	if sv == nil {
		return nil, fmt.Errorf("%w: SignatureValue missing", ErrMalformedSignature)
	}
	return canonicalize(sv)
}

// AddSignatureTimestamp requests a timestamp over the signature value and
// stores it as xades:SignatureTimeStamp.
func AddSignatureTimestamp(ctx context.Context, d *SignatureDocument, tsa timestamps.Timestamper) (*timestamps.Token, error) {
	data, err := signatureTimestampData(d.signature)
	if err != nil {
		return nil, err
	}
	token, err := tsa.Timestamp(ctx, data)
	if err != nil {
		return nil, err
	}
	usp, err := ensureUnsignedSignatureProperties(d.signature)
	if err != nil {
		return nil, err
	}
	appendTimestamp(usp, Namespace, Prefix, SignatureTimeStampTag, fmt.Sprintf("%s-T%d", d.ID(), len(childrenNS(usp, Namespace, SignatureTimeStampTag))), token.Raw)
	return token, nil
}

func appendTimestamp(usp *etree.Element, ns, prefix, tag, id string, raw []byte) *etree.Element {
	ts := usp.CreateElement(nsPrefix(usp, ns, prefix) + tag)
	ts.CreateAttr(IDAttr, id)
	ts.CreateElement(nsPrefix(ts, DSigNamespace, DSigPrefix)+CanonicalizationMethodTag).CreateAttr(AlgorithmAttr, CanonicalizationAlgorithm)
	ts.CreateElement(nsPrefix(ts, Namespace, Prefix) + EncapsulatedTimeStampTag).SetText(base64.StdEncoding.EncodeToString(raw))
	return ts
}

// AddRevocationValues embeds the validation material: certificates as
// xades:CertificateValues and OCSP responses as xades:RevocationValues.
func AddRevocationValues(d *SignatureDocument, certs []*x509.Certificate, ocspResponses [][]byte) error {
	usp, err := ensureUnsignedSignatureProperties(d.signature)
	if err != nil {
		return err
	}
	xp := nsPrefix(usp, Namespace, Prefix)

	if len(certs) > 0 {
		cv := childNS(usp, Namespace, CertificateValuesTag)
		if cv == nil {
			cv = usp.CreateElement(xp + CertificateValuesTag)
		}
		for _, c := range certs {
			cv.CreateElement(xp + EncapsulatedX509CertificateTag).SetText(base64.StdEncoding.EncodeToString(c.Raw))
		}
	}
	if len(ocspResponses) > 0 {
		rv := childNS(usp, Namespace, RevocationValuesTag)
		if rv == nil {
			rv = usp.CreateElement(xp + RevocationValuesTag)
		}
		ov := childNS(rv, Namespace, OCSPValuesTag)
		if ov == nil {
			ov = rv.CreateElement(xp + OCSPValuesTag)
		}
		for _, r := range ocspResponses {
			ov.CreateElement(xp + EncapsulatedOCSPValueTag).SetText(base64.StdEncoding.EncodeToString(r))
		}
	}
	return nil
}

// AddArchiveTimestamp timestamps the signature together with its signed
// data and every unsigned property present so far.
func AddArchiveTimestamp(ctx context.Context, d *SignatureDocument, files []container.DataFile, tsa timestamps.Timestamper) (*timestamps.Token, error) {
	usp, err := ensureUnsignedSignatureProperties(d.signature)
	if err != nil {
		return nil, err
	}
	data, err := archiveTimestampData(d.signature, files, nil)
	if err != nil {
		return nil, err
	}
	token, err := tsa.Timestamp(ctx, data)
	if err != nil {
		return nil, err
	}
	n := len(childrenNS(usp, ArchiveTimestampNamespace, ArchiveTimeStampTag)) + len(childrenNS(usp, Namespace, ArchiveTimeStampTag))
	appendTimestamp(usp, ArchiveTimestampNamespace, ArchiveTimestampPrefix, ArchiveTimeStampTag, fmt.Sprintf("%s-A%d", d.ID(), n), token.Raw)
	return token, nil
}

// archiveTimestampData concatenates the referenced data, the canonical
// SignedInfo, SignatureValue and KeyInfo, and the unsigned signature
// properties preceding stop (all of them when stop is nil).
func archiveTimestampData(sig *etree.Element, files []container.DataFile, stop *etree.Element) ([]byte, error) {
	signedInfo := childNS(sig, DSigNamespace, SignedInfoTag)
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: SignedInfo missing", ErrMalformedSignature)
	}

	var out []byte
	for _, ref := range childrenNS(signedInfo, DSigNamespace, ReferenceTag) {
		content, err := referencedContent(sig, ref, files)
		if err != nil {
			return nil, err
		}
		out = append(out, content...)
	}

	for _, tag := range []string{SignedInfoTag, SignatureValueTag, KeyInfoTag} {
		el := childNS(sig, DSigNamespace, tag)
		if el == nil {
			continue
		}
		c, err := canonicalize(el)
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}

	qp := qualifyingProperties(sig)
	usp := pathNS(qp, Namespace, UnsignedPropertiesTag, UnsignedSignaturePropertiesTag)
	if usp == nil {
		return out, nil
	}
	for _, el := range usp.ChildElements() {
		if el == stop {
			break
		}
		c, err := canonicalize(el)
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}
	return out, nil
}

// referencedContent returns the octets a ds:Reference covers: a data file's
// bytes or the canonical form of a same-document element.
func referencedContent(sig *etree.Element, ref *etree.Element, files []container.DataFile) ([]byte, error) {
	uri := ref.SelectAttrValue(URIAttr, "")
	if len(uri) > 0 && uri[0] == '#' {
		target := findByID(sig, uri[1:])
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrSignedDataNotFound, uri)
		}
		return canonicalize(target)
	}
	name := UnescapeFileURI(uri)
	for _, f := range files {
		if f.Name == name {
			return f.Data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSignedDataNotFound, name)
}

// TimeMarkNonce is the OCSP nonce of a time-mark: the DER DigestInfo of the
// SHA-256 digest of the signature value.
func TimeMarkNonce(d *SignatureDocument) ([]byte, error) {
	value, err := d.SignatureValueOctets()
	if err != nil {
		return nil, err
	}
	return digestInfoSHA256(value)
}
