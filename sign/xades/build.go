package xades

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/georgepadayatti/goasic/container"
)

// SignatureDocument is a signature being built or extended. It owns the XML
// tree; the document may hold sibling signatures.
type SignatureDocument struct {
	doc       *etree.Document
	signature *etree.Element
	params    Parameters
}

// ID returns the Id attribute of the ds:Signature element.
func (d *SignatureDocument) ID() string {
	return d.signature.SelectAttrValue(IDAttr, "")
}

// Parameters returns the parameters the document was built with. For loaded
// documents only the signing certificate is known.
func (d *SignatureDocument) Parameters() Parameters {
	return d.params
}

// Bytes serializes the complete document.
func (d *SignatureDocument) Bytes() ([]byte, error) {
	return d.doc.WriteToBytes()
}

// SignedInfo returns the canonical SignedInfo, the octets covered by the
// signature value.
func (d *SignatureDocument) SignedInfo() ([]byte, error) {
	si := childNS(d.signature, DSigNamespace, SignedInfoTag)
	if si == nil {
		return nil, fmt.Errorf("%w: SignedInfo missing", ErrMalformedSignature)
	}
	return canonicalize(si)
}

// ComputeSignableBytes builds the signature document for files and returns
// it together with the canonical SignedInfo to be signed.
func ComputeSignableBytes(files []container.DataFile, p *Parameters) (*SignatureDocument, []byte, error) {
	if len(files) == 0 {
		return nil, nil, ErrNoDataFiles
	}
	if err := p.check(); err != nil {
		return nil, nil, err
	}
	params := *p
	if params.SigningTime.IsZero() {
		params.SigningTime = time.Now()
	}
	params.SigningTime = params.SigningTime.UTC().Truncate(time.Second)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="no"`)
	root := doc.CreateElement(ASiCPrefix + ":" + XAdESSignaturesTag)
	root.CreateAttr("xmlns:"+ASiCPrefix, ASiCNamespace)
	root.CreateAttr("xmlns:"+DSigPrefix, DSigNamespace)
	root.CreateAttr("xmlns:"+Prefix, Namespace)

	sig := root.CreateElement(ds(SignatureTag))
	sig.CreateAttr(IDAttr, params.ID)

	d := &SignatureDocument{doc: doc, signature: sig, params: params}

	signedInfo := sig.CreateElement(ds(SignedInfoTag))
	signedInfo.CreateElement(ds(CanonicalizationMethodTag)).CreateAttr(AlgorithmAttr, CanonicalizationAlgorithm)
	sigMethod, _ := SignatureMethodURI(params.EncryptionAlgorithm, params.SignatureDigest)
	signedInfo.CreateElement(ds(SignatureMethodTag)).CreateAttr(AlgorithmAttr, sigMethod)

	fileDigest, _ := DigestMethodURI(params.DataFileDigest)
	refIDs := make([]string, len(files))
	for i, f := range files {
		refIDs[i] = fmt.Sprintf("r-%s-%d", params.ID, i+1)
		ref := signedInfo.CreateElement(ds(ReferenceTag))
		ref.CreateAttr(IDAttr, refIDs[i])
		ref.CreateAttr(URIAttr, EscapeFileURI(f.Name))
		ref.CreateElement(ds(DigestMethodTag)).CreateAttr(AlgorithmAttr, fileDigest)
		ref.CreateElement(ds(DigestValueTag)).SetText(base64.StdEncoding.EncodeToString(f.Digest(params.DataFileDigest)))
	}

	sig.CreateElement(ds(SignatureValueTag)).CreateAttr(IDAttr, params.ID+"-SIG")
	x509Data := sig.CreateElement(ds(KeyInfoTag)).CreateElement(ds(X509DataTag))
	x509Data.CreateElement(ds(X509CertificateTag)).SetText(base64.StdEncoding.EncodeToString(params.SigningCertificate.Raw))

	qp := sig.CreateElement(ds(ObjectTag)).CreateElement(xa(QualifyingPropertiesTag))
	qp.CreateAttr(TargetAttr, "#"+params.ID)
	signedProps, err := d.buildSignedProperties(qp, files, refIDs)
	if err != nil {
		return nil, nil, err
	}

	canonicalProps, err := canonicalize(signedProps)
	if err != nil {
		return nil, nil, err
	}
	propsRef := signedInfo.CreateElement(ds(ReferenceTag))
	propsRef.CreateAttr(IDAttr, fmt.Sprintf("r-%s-sp", params.ID))
	propsRef.CreateAttr(TypeAttr, SignedPropertiesType)
	propsRef.CreateAttr(URIAttr, "#"+signedProps.SelectAttrValue(IDAttr, ""))
	propsRef.CreateElement(ds(TransformsTag)).CreateElement(ds(TransformTag)).CreateAttr(AlgorithmAttr, CanonicalizationAlgorithm)
	propsDigest, _ := DigestMethodURI(params.SignatureDigest)
	propsRef.CreateElement(ds(DigestMethodTag)).CreateAttr(AlgorithmAttr, propsDigest)
	propsRef.CreateElement(ds(DigestValueTag)).SetText(base64.StdEncoding.EncodeToString(digest(params.SignatureDigest, canonicalProps)))

	signable, err := canonicalize(signedInfo)
	if err != nil {
		return nil, nil, err
	}
	return d, signable, nil
}

func (d *SignatureDocument) buildSignedProperties(qp *etree.Element, files []container.DataFile, refIDs []string) (*etree.Element, error) {
	p := d.params
	sp := qp.CreateElement(xa(SignedPropertiesTag))
	sp.CreateAttr(IDAttr, p.ID+"-SignedProperties")

	ssp := sp.CreateElement(xa(SignedSignaturePropertiesTag))
	ssp.CreateElement(xa(SigningTimeTag)).SetText(p.SigningTime.Format(time.RFC3339))

	certDigestURI, _ := DigestMethodURI(p.SignatureDigest)
	issuerSerial, err := issuerSerialV2(p.SigningCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issuer serial: %w", err)
	}
	cert := ssp.CreateElement(xa(SigningCertificateTag)).CreateElement(xa(CertTag))
	certDigest := cert.CreateElement(xa(CertDigestTag))
	certDigest.CreateElement(ds(DigestMethodTag)).CreateAttr(AlgorithmAttr, certDigestURI)
	certDigest.CreateElement(ds(DigestValueTag)).SetText(base64.StdEncoding.EncodeToString(digest(p.SignatureDigest, p.SigningCertificate.Raw)))
	cert.CreateElement(xa(IssuerSerialV2Tag)).SetText(base64.StdEncoding.EncodeToString(issuerSerial))

	if p.Policy != nil && p.Policy.OID() != "" {
		if err := buildPolicy(ssp, p.Policy); err != nil {
			return nil, err
		}
	}

	if !p.ProductionPlace.empty() {
		place := ssp.CreateElement(xa(SignatureProductionPlaceTag))
		for _, part := range []struct{ tag, value string }{
			{CityTag, p.ProductionPlace.City},
			{StateOrProvinceTag, p.ProductionPlace.StateOrProvince},
			{PostalCodeTag, p.ProductionPlace.PostalCode},
			{CountryNameTag, p.ProductionPlace.Country},
		} {
			if part.value != "" {
				place.CreateElement(xa(part.tag)).SetText(part.value)
			}
		}
	}

	if len(p.SignerRoles) > 0 {
		roles := ssp.CreateElement(xa(SignerRoleTag)).CreateElement(xa(ClaimedRolesTag))
		for _, r := range p.SignerRoles {
			roles.CreateElement(xa(ClaimedRoleTag)).SetText(r)
		}
	}

	sdop := sp.CreateElement(xa(SignedDataObjectPropertiesTag))
	for i, f := range files {
		dof := sdop.CreateElement(xa(DataObjectFormatTag))
		dof.CreateAttr(ObjectRefAttr, "#"+refIDs[i])
		dof.CreateElement(xa(MimeTypeTag)).SetText(f.MediaType)
	}
	return sp, nil
}

func buildPolicy(ssp *etree.Element, policy *Policy) error {
	spid := ssp.CreateElement(xa(SignaturePolicyIdentifierTag)).CreateElement(xa(SignaturePolicyIDTag))
	ident := spid.CreateElement(xa(SigPolicyIDTag)).CreateElement(xa(IdentifierTag))
	qualifier := policy.Qualifier
	if qualifier == "" {
		qualifier = OIDAsURN
	}
	value := policy.OID()
	if qualifier == OIDAsURN {
		value = urnOID + value
	}
	ident.CreateAttr(QualifierAttr, qualifier)
	ident.SetText(value)

	h := policy.DigestAlgorithm
	uri, ok := DigestMethodURI(h)
	if !ok {
		return fmt.Errorf("%w: policy digest %v", ErrUnsupportedDigest, h)
	}
	hash := spid.CreateElement(xa(SigPolicyHashTag))
	hash.CreateElement(ds(DigestMethodTag)).CreateAttr(AlgorithmAttr, uri)
	hash.CreateElement(ds(DigestValueTag)).SetText(base64.StdEncoding.EncodeToString(policy.DigestValue))

	if policy.SPURI != "" {
		q := spid.CreateElement(xa(SigPolicyQualifiersTag)).CreateElement(xa(SigPolicyQualifierTag))
		q.CreateElement(xa(SPURITag)).SetText(policy.SPURI)
	}
	return nil
}

// Assemble stores signatureValue in the document and returns the serialized
// signature. The value must verify against the signing certificate.
func Assemble(d *SignatureDocument, signatureValue []byte) ([]byte, error) {
	cert := d.params.SigningCertificate
	value, err := encodeSignatureValue(cert.PublicKey, signatureValue)
	if err != nil {
		return nil, err
	}
	signed, err := d.SignedInfo()
	if err != nil {
		return nil, err
	}
	if err := verifySignatureValue(cert, d.params.SignatureDigest, signed, value); err != nil {
		return nil, err
	}
	sv := childNS(d.signature, DSigNamespace, SignatureValueTag)
	if sv == nil {
		return nil, fmt.Errorf("%w: SignatureValue missing", ErrMalformedSignature)
	}
	sv.SetText(base64.StdEncoding.EncodeToString(value))
	return d.Bytes()
}

// EscapeFileURI percent-encodes a container path for use as a Reference URI.
func EscapeFileURI(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// UnescapeFileURI reverses EscapeFileURI.
func UnescapeFileURI(uri string) string {
	if name, err := url.PathUnescape(uri); err == nil {
		return name
	}
	return uri
}

func ds(tag string) string { return DSigPrefix + ":" + tag }
func xa(tag string) string { return Prefix + ":" + tag }
