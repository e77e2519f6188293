// Package xades builds, extends and parses XAdES signatures as stored in
// ASiC-E and BDOC containers.
//
// Documents are handled as etree trees. Canonicalization is delegated to
// goxmldsig; digests and signature values use the standard crypto packages.
package xades

import (
	"crypto"

	dsig "github.com/russellhaering/goxmldsig"
)

const (
	Prefix    string = "xades"
	Namespace string = "http://uri.etsi.org/01903/v1.3.2#"

	DSigPrefix    string = "ds"
	DSigNamespace string = dsig.Namespace

	ASiCPrefix    string = "asic"
	ASiCNamespace string = "http://uri.etsi.org/02918/v1.2.1#"
)

// XAdES tags.
const (
	QualifyingPropertiesTag        string = "QualifyingProperties"
	SignedPropertiesTag            string = "SignedProperties"
	SignedSignaturePropertiesTag   string = "SignedSignatureProperties"
	SignedDataObjectPropertiesTag  string = "SignedDataObjectProperties"
	DataObjectFormatTag            string = "DataObjectFormat"
	MimeTypeTag                    string = "MimeType"
	SigningTimeTag                 string = "SigningTime"
	SigningCertificateTag          string = "SigningCertificateV2"
	SigningCertificateV1Tag        string = "SigningCertificate"
	CertTag                        string = "Cert"
	CertDigestTag                  string = "CertDigest"
	IssuerSerialV2Tag              string = "IssuerSerialV2"
	SignaturePolicyIdentifierTag   string = "SignaturePolicyIdentifier"
	SignaturePolicyIDTag           string = "SignaturePolicyId"
	SigPolicyIDTag                 string = "SigPolicyId"
	IdentifierTag                  string = "Identifier"
	SigPolicyHashTag               string = "SigPolicyHash"
	SigPolicyQualifiersTag         string = "SigPolicyQualifiers"
	SigPolicyQualifierTag          string = "SigPolicyQualifier"
	SPURITag                       string = "SPURI"
	SignatureProductionPlaceTag    string = "SignatureProductionPlaceV2"
	CityTag                        string = "City"
	StateOrProvinceTag             string = "StateOrProvince"
	PostalCodeTag                  string = "PostalCode"
	CountryNameTag                 string = "CountryName"
	SignerRoleTag                  string = "SignerRoleV2"
	ClaimedRolesTag                string = "ClaimedRoles"
	ClaimedRoleTag                 string = "ClaimedRole"
	UnsignedPropertiesTag          string = "UnsignedProperties"
	UnsignedSignaturePropertiesTag string = "UnsignedSignatureProperties"
	SignatureTimeStampTag          string = "SignatureTimeStamp"
	EncapsulatedTimeStampTag       string = "EncapsulatedTimeStamp"
	CertificateValuesTag           string = "CertificateValues"
	EncapsulatedX509CertificateTag string = "EncapsulatedX509Certificate"
	RevocationValuesTag            string = "RevocationValues"
	OCSPValuesTag                  string = "OCSPValues"
	EncapsulatedOCSPValueTag       string = "EncapsulatedOCSPValue"
	ArchiveTimeStampTag            string = "ArchiveTimeStamp"
	XAdESSignaturesTag             string = "XAdESSignatures"
)

// XML-DSig tags.
const (
	SignatureTag              = "Signature"
	SignedInfoTag             = "SignedInfo"
	CanonicalizationMethodTag = "CanonicalizationMethod"
	SignatureMethodTag        = "SignatureMethod"
	ReferenceTag              = "Reference"
	TransformsTag             = "Transforms"
	TransformTag              = "Transform"
	DigestMethodTag           = "DigestMethod"
	DigestValueTag            = "DigestValue"
	SignatureValueTag         = "SignatureValue"
	KeyInfoTag                = "KeyInfo"
	X509DataTag               = "X509Data"
	X509CertificateTag        = "X509Certificate"
	ObjectTag                 = "Object"
)

const (
	AlgorithmAttr = "Algorithm"
	URIAttr       = "URI"
	IDAttr        = "Id"
	TypeAttr      = "Type"
	TargetAttr    = "Target"
	ObjectRefAttr = "ObjectReference"
	QualifierAttr = "Qualifier"
)

const (
	// SignedPropertiesType is the Reference Type of the SignedProperties reference.
	SignedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"

	// CanonicalizationAlgorithm is used for SignedInfo, SignedProperties and
	// timestamped content.
	CanonicalizationAlgorithm = string(dsig.CanonicalXML10ExclusiveAlgorithmId)

	// ArchiveTimestampNamespace is the XAdES 1.4.1 namespace of ArchiveTimeStamp.
	ArchiveTimestampNamespace = "http://uri.etsi.org/01903/v1.4.1#"
	ArchiveTimestampPrefix    = "xades141"

	// OIDAsURN marks policy identifiers written as urn:oid:.
	OIDAsURN = "OIDAsURN"
	urnOID   = "urn:oid:"
)

var digestAlgorithmIdentifiers = map[crypto.Hash]string{
	crypto.SHA1:   "http://www.w3.org/2000/09/xmldsig#sha1",
	crypto.SHA224: "http://www.w3.org/2001/04/xmldsig-more#sha224",
	crypto.SHA256: "http://www.w3.org/2001/04/xmlenc#sha256",
	crypto.SHA384: "http://www.w3.org/2001/04/xmldsig-more#sha384",
	crypto.SHA512: "http://www.w3.org/2001/04/xmlenc#sha512",
}

var rsaSignatureMethodIdentifiers = map[crypto.Hash]string{
	crypto.SHA1:   dsig.RSASHA1SignatureMethod,
	crypto.SHA256: dsig.RSASHA256SignatureMethod,
	crypto.SHA384: dsig.RSASHA384SignatureMethod,
	crypto.SHA512: dsig.RSASHA512SignatureMethod,
}

var ecdsaSignatureMethodIdentifiers = map[crypto.Hash]string{
	crypto.SHA1:   dsig.ECDSASHA1SignatureMethod,
	crypto.SHA256: dsig.ECDSASHA256SignatureMethod,
	crypto.SHA384: dsig.ECDSASHA384SignatureMethod,
	crypto.SHA512: dsig.ECDSASHA512SignatureMethod,
}

// DigestMethodURI returns the XML-DSig identifier of h.
func DigestMethodURI(h crypto.Hash) (string, bool) {
	uri, ok := digestAlgorithmIdentifiers[h]
	return uri, ok
}

// DigestFromURI maps an XML-DSig digest identifier back to a hash.
func DigestFromURI(uri string) (crypto.Hash, bool) {
	for h, u := range digestAlgorithmIdentifiers {
		if u == uri {
			return h, true
		}
	}
	// Older BDOC files use the xmldsig-more namespace for SHA-256.
	if uri == "http://www.w3.org/2001/04/xmldsig-more#sha256" {
		return crypto.SHA256, true
	}
	return 0, false
}

// SignatureMethodURI returns the XML-DSig signature method for the key type
// and digest.
func SignatureMethodURI(enc EncryptionAlgorithm, h crypto.Hash) (string, bool) {
	table := rsaSignatureMethodIdentifiers
	if enc == EncryptionECDSA {
		table = ecdsaSignatureMethodIdentifiers
	}
	uri, ok := table[h]
	return uri, ok
}

// SignatureMethodFromURI maps a signature method identifier to its key type
// and digest.
func SignatureMethodFromURI(uri string) (EncryptionAlgorithm, crypto.Hash, bool) {
	for h, u := range rsaSignatureMethodIdentifiers {
		if u == uri {
			return EncryptionRSA, h, true
		}
	}
	for h, u := range ecdsaSignatureMethodIdentifiers {
		if u == uri {
			return EncryptionECDSA, h, true
		}
	}
	return "", 0, false
}
