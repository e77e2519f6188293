package xades

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/georgepadayatti/goasic/sign/timestamps"
	"golang.org/x/crypto/ocsp"
)

var (
	ErrMalformedSignature             = errors.New("malformed signature document")
	ErrNoSignature                    = errors.New("document contains no signature")
	ErrMultipleEncapsulatedTimestamps = errors.New("more than one EncapsulatedTimeStamp in a SignatureTimeStamp")
)

// DefaultTimeMarkPolicyOID identifies BDOC 2.1 time-mark signatures.
const DefaultTimeMarkPolicyOID = "1.3.6.1.4.1.10015.1000.3.2.1"

// Reference is one ds:Reference of SignedInfo.
type Reference struct {
	ID              string
	URI             string
	Type            string
	DigestAlgorithm crypto.Hash
	DigestValue     []byte
	// MimeType comes from the matching DataObjectFormat, when present.
	MimeType string
}

// IsSignedProperties reports whether r covers the SignedProperties element.
func (r Reference) IsSignedProperties() bool {
	return r.Type == SignedPropertiesType
}

// ParsedSignature is a signature read back from its XML form.
type ParsedSignature struct {
	ID      string
	Profile Profile
	Level   Level
	// PolicyID is the policy identifier with any urn:oid: prefix removed.
	PolicyID string
	// TimeMark is set when the policy is the time-mark policy, at any level.
	TimeMark bool

	SigningCertificate *x509.Certificate
	CertificateChain   []*x509.Certificate
	SigningTime        time.Time

	SignatureDigest     crypto.Hash
	EncryptionAlgorithm EncryptionAlgorithm
	References          []Reference
	SignerRoles         []string
	ProductionPlace     *ProductionPlace

	SignatureTimestamps []*timestamps.Token
	ArchiveTimestamps   []*timestamps.Token
	OCSPResponses       [][]byte

	Raw []byte

	doc *SignatureDocument
}

// Document returns the underlying document for further extension.
func (p *ParsedSignature) Document() *SignatureDocument {
	return p.doc
}

// OCSP parses the embedded OCSP responses. Responses that cannot be parsed
// are skipped.
func (p *ParsedSignature) OCSP() []*ocsp.Response {
	var out []*ocsp.Response
	for _, raw := range p.OCSPResponses {
		if resp, err := ocsp.ParseResponse(raw, nil); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

type parseConfig struct {
	tmPolicyOID string
}

// WithTimeMarkPolicy overrides the policy OID recognised as time-mark.
func WithTimeMarkPolicy(oid string) ParseOption {
	return func(c *parseConfig) {
		if oid != "" {
			c.tmPolicyOID = StripURNOID(oid)
		}
	}
}

// Parse reads the first signature of a signature document and classifies it.
func Parse(data []byte, opts ...ParseOption) (*ParsedSignature, error) {
	sigs, err := ParseAll(data, opts...)
	if err != nil {
		return nil, err
	}
	return sigs[0], nil
}

// ParseAll reads every signature of a signature document.
func ParseAll(data []byte, opts ...ParseOption) ([]*ParsedSignature, error) {
	cfg := parseConfig{tmPolicyOID: DefaultTimeMarkPolicyOID}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoSignature
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	elements := signatureElements(doc)
	if len(elements) == 0 {
		return nil, ErrNoSignature
	}

	out := make([]*ParsedSignature, 0, len(elements))
	for _, el := range elements {
		ps, err := parseSignature(doc, el, &cfg)
		if err != nil {
			return nil, err
		}
		ps.Raw = data
		out = append(out, ps)
	}
	return out, nil
}

func parseSignature(doc *etree.Document, sig *etree.Element, cfg *parseConfig) (*ParsedSignature, error) {
	if err := checkEncapsulatedTimestamps(sig); err != nil {
		return nil, err
	}

	ps := &ParsedSignature{ID: sig.SelectAttrValue(IDAttr, "")}

	signedInfo := childNS(sig, DSigNamespace, SignedInfoTag)
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: SignedInfo missing", ErrMalformedSignature)
	}
	sm := childNS(signedInfo, DSigNamespace, SignatureMethodTag)
	if sm == nil {
		return nil, fmt.Errorf("%w: SignatureMethod missing", ErrMalformedSignature)
	}
	uri := sm.SelectAttrValue(AlgorithmAttr, "")
	var ok bool
	if ps.EncryptionAlgorithm, ps.SignatureDigest, ok = SignatureMethodFromURI(uri); !ok {
		return nil, fmt.Errorf("%w: unsupported SignatureMethod %q", ErrMalformedSignature, uri)
	}
	refs, err := parseReferences(signedInfo)
	if err != nil {
		return nil, err
	}
	ps.References = refs

	cert, err := keyInfoCertificate(sig)
	if err != nil {
		return nil, err
	}
	ps.SigningCertificate = cert
	ps.CertificateChain = append(ps.CertificateChain, cert)

	qp := qualifyingProperties(sig)
	if qp == nil {
		return nil, fmt.Errorf("%w: QualifyingProperties missing", ErrMalformedSignature)
	}
	ssp := pathNS(qp, Namespace, SignedPropertiesTag, SignedSignaturePropertiesTag)
	if ssp == nil {
		return nil, fmt.Errorf("%w: SignedSignatureProperties missing", ErrMalformedSignature)
	}
	if st := childNS(ssp, Namespace, SigningTimeTag); st != nil {
		if ps.SigningTime, err = time.Parse(time.RFC3339, strings.TrimSpace(st.Text())); err != nil {
			return nil, fmt.Errorf("%w: SigningTime: %v", ErrMalformedSignature, err)
		}
	}
	ps.PolicyID = policyIdentifier(ssp)
	ps.SignerRoles = claimedRoles(ssp)
	ps.ProductionPlace = productionPlace(ssp)
	applyDataObjectFormats(qp, ps.References)

	if err := parseUnsignedProperties(qp, ps); err != nil {
		return nil, err
	}

	ps.Level = detectLevel(qp, ps)
	ps.TimeMark = ps.PolicyID != "" && ps.PolicyID == cfg.tmPolicyOID
	ps.Profile = Classify(ps.Attributes())
	ps.doc = &SignatureDocument{doc: doc, signature: sig, params: Parameters{
		ID:                  ps.ID,
		SigningCertificate:  cert,
		SigningTime:         ps.SigningTime,
		SignatureDigest:     ps.SignatureDigest,
		EncryptionAlgorithm: ps.EncryptionAlgorithm,
	}}
	return ps, nil
}

// checkEncapsulatedTimestamps rejects a SignatureTimeStamp holding more than
// one token; choosing one of them would hide the inconsistency.
func checkEncapsulatedTimestamps(sig *etree.Element) error {
	for _, ts := range descendantsNS(sig, Namespace, SignatureTimeStampTag) {
		if n := len(childrenNS(ts, Namespace, EncapsulatedTimeStampTag)); n > 1 {
			return &TechnicalError{
				Op:  "parse signature " + sig.SelectAttrValue(IDAttr, ""),
				Err: fmt.Errorf("%w (found %d)", ErrMultipleEncapsulatedTimestamps, n),
			}
		}
	}
	return nil
}

func parseReferences(signedInfo *etree.Element) ([]Reference, error) {
	var refs []Reference
	for _, el := range childrenNS(signedInfo, DSigNamespace, ReferenceTag) {
		r := Reference{
			ID:   el.SelectAttrValue(IDAttr, ""),
			URI:  el.SelectAttrValue(URIAttr, ""),
			Type: el.SelectAttrValue(TypeAttr, ""),
		}
		if dm := childNS(el, DSigNamespace, DigestMethodTag); dm != nil {
			h, ok := DigestFromURI(dm.SelectAttrValue(AlgorithmAttr, ""))
			if !ok {
				return nil, fmt.Errorf("%w: reference %s", ErrUnsupportedDigest, r.URI)
			}
			r.DigestAlgorithm = h
		}
		dv := childNS(el, DSigNamespace, DigestValueTag)
		if dv == nil {
			return nil, fmt.Errorf("%w: reference %s has no DigestValue", ErrMalformedSignature, r.URI)
		}
		value, err := decodeBase64Text(dv)
		if err != nil {
			return nil, fmt.Errorf("%w: reference %s: %v", ErrMalformedSignature, r.URI, err)
		}
		r.DigestValue = value
		refs = append(refs, r)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no references", ErrMalformedSignature)
	}
	return refs, nil
}

func keyInfoCertificate(sig *etree.Element) (*x509.Certificate, error) {
	el := pathNS(sig, DSigNamespace, KeyInfoTag, X509DataTag, X509CertificateTag)
	if el == nil {
		return nil, fmt.Errorf("%w: signing certificate missing from KeyInfo", ErrMalformedSignature)
	}
	der, err := decodeBase64Text(el)
	if err != nil {
		return nil, fmt.Errorf("%w: KeyInfo certificate: %v", ErrMalformedSignature, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: KeyInfo certificate: %v", ErrMalformedSignature, err)
	}
	return cert, nil
}

func policyIdentifier(ssp *etree.Element) string {
	ident := pathNS(ssp, Namespace, SignaturePolicyIdentifierTag, SignaturePolicyIDTag, SigPolicyIDTag, IdentifierTag)
	if ident == nil {
		return ""
	}
	return StripURNOID(ident.Text())
}

func claimedRoles(ssp *etree.Element) []string {
	roles := pathNS(ssp, Namespace, SignerRoleTag, ClaimedRolesTag)
	if roles == nil {
		roles = pathNS(ssp, Namespace, "SignerRole", ClaimedRolesTag)
	}
	var out []string
	for _, r := range childrenNS(roles, Namespace, ClaimedRoleTag) {
		out = append(out, strings.TrimSpace(r.Text()))
	}
	return out
}

func productionPlace(ssp *etree.Element) *ProductionPlace {
	el := childNS(ssp, Namespace, SignatureProductionPlaceTag)
	if el == nil {
		el = childNS(ssp, Namespace, "SignatureProductionPlace")
	}
	if el == nil {
		return nil
	}
	text := func(tag string) string {
		if c := childNS(el, Namespace, tag); c != nil {
			return strings.TrimSpace(c.Text())
		}
		return ""
	}
	return &ProductionPlace{
		City:            text(CityTag),
		StateOrProvince: text(StateOrProvinceTag),
		PostalCode:      text(PostalCodeTag),
		Country:         text(CountryNameTag),
	}
}

func applyDataObjectFormats(qp *etree.Element, refs []Reference) {
	sdop := pathNS(qp, Namespace, SignedPropertiesTag, SignedDataObjectPropertiesTag)
	for _, dof := range childrenNS(sdop, Namespace, DataObjectFormatTag) {
		target := strings.TrimPrefix(dof.SelectAttrValue(ObjectRefAttr, ""), "#")
		mt := childNS(dof, Namespace, MimeTypeTag)
		if mt == nil {
			continue
		}
		for i := range refs {
			if refs[i].ID == target {
				refs[i].MimeType = strings.TrimSpace(mt.Text())
			}
		}
	}
}

func parseUnsignedProperties(qp *etree.Element, ps *ParsedSignature) error {
	usp := pathNS(qp, Namespace, UnsignedPropertiesTag, UnsignedSignaturePropertiesTag)
	if usp == nil {
		return nil
	}
	for _, el := range usp.ChildElements() {
		switch {
		case isElement(el, Namespace, SignatureTimeStampTag):
			tok, err := encapsulatedToken(el)
			if err != nil {
				return err
			}
			ps.SignatureTimestamps = append(ps.SignatureTimestamps, tok)
		case isElement(el, ArchiveTimestampNamespace, ArchiveTimeStampTag), isElement(el, Namespace, ArchiveTimeStampTag):
			tok, err := encapsulatedToken(el)
			if err != nil {
				return err
			}
			ps.ArchiveTimestamps = append(ps.ArchiveTimestamps, tok)
		case isElement(el, Namespace, CertificateValuesTag):
			for _, c := range childrenNS(el, Namespace, EncapsulatedX509CertificateTag) {
				der, err := decodeBase64Text(c)
				if err != nil {
					return fmt.Errorf("%w: CertificateValues: %v", ErrMalformedSignature, err)
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return fmt.Errorf("%w: CertificateValues: %v", ErrMalformedSignature, err)
				}
				if !containsCert(ps.CertificateChain, cert) {
					ps.CertificateChain = append(ps.CertificateChain, cert)
				}
			}
		case isElement(el, Namespace, RevocationValuesTag):
			for _, v := range childrenNS(childNS(el, Namespace, OCSPValuesTag), Namespace, EncapsulatedOCSPValueTag) {
				der, err := decodeBase64Text(v)
				if err != nil {
					return fmt.Errorf("%w: OCSPValues: %v", ErrMalformedSignature, err)
				}
				ps.OCSPResponses = append(ps.OCSPResponses, der)
			}
		}
	}
	return nil
}

func encapsulatedToken(ts *etree.Element) (*timestamps.Token, error) {
	enc := childNS(ts, Namespace, EncapsulatedTimeStampTag)
	if enc == nil {
		return nil, fmt.Errorf("%w: %s without EncapsulatedTimeStamp", ErrMalformedSignature, ts.Tag)
	}
	der, err := decodeBase64Text(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSignature, ts.Tag, err)
	}
	tok, err := timestamps.ParseToken(der)
	if err != nil {
		return nil, &TechnicalError{Op: "parse " + ts.Tag, Err: err}
	}
	return tok, nil
}

func containsCert(certs []*x509.Certificate, c *x509.Certificate) bool {
	for _, x := range certs {
		if x.Equal(c) {
			return true
		}
	}
	return false
}

func detectLevel(qp *etree.Element, ps *ParsedSignature) Level {
	if len(ps.SignatureTimestamps) == 0 {
		return LevelB
	}
	usp := pathNS(qp, Namespace, UnsignedPropertiesTag, UnsignedSignaturePropertiesTag)
	hasCertValues := childNS(usp, Namespace, CertificateValuesTag) != nil
	if !hasCertValues || len(ps.OCSPResponses) == 0 {
		return LevelT
	}
	switch {
	case len(childrenNS(usp, ArchiveTimestampNamespace, ArchiveTimeStampTag)) > 0:
		return LevelLTA
	case len(childrenNS(usp, Namespace, ArchiveTimeStampTag)) > 0:
		return LevelA
	}
	return LevelLT
}
