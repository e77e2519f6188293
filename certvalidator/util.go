package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

func canonicalNameString(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		parts = append(parts, fmt.Sprintf("%s=%s", atv.Type.String(), normalizeRDNValue(atv.Value)))
	}
	return strings.Join(parts, ",")
}

func normalizeRDNValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return normalizeDNString(v)
	default:
		return fmt.Sprint(v)
	}
}

// normalizeDNString folds case and internal whitespace.
func normalizeDNString(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

// NamesEqual compares two distinguished names after normalization.
func NamesEqual(a, b pkix.Name) bool {
	return canonicalNameString(a) == canonicalNameString(b)
}

// subjectHashKey creates a hash key from a subject name.
func subjectHashKey(name pkix.Name) string {
	h := sha256.Sum256([]byte(canonicalNameString(name)))
	return string(h[:])
}

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// keyIDMatches reports whether the authority key identifier of cert names
// issuer. It returns ok=false when either side carries no key identifier.
func keyIDMatches(cert, issuer *x509.Certificate) (match, ok bool) {
	if len(cert.AuthorityKeyId) == 0 || len(issuer.SubjectKeyId) == 0 {
		return false, false
	}
	return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId), true
}

// IssuedBy reports whether issuer's name matches cert's issuer name and, when
// both carry key identifiers, the identifiers agree.
func IssuedBy(cert, issuer *x509.Certificate) bool {
	if !NamesEqual(cert.Issuer, issuer.Subject) {
		return false
	}
	if match, ok := keyIDMatches(cert, issuer); ok {
		return match
	}
	return true
}

// QualifiedName renders the display name of a certificate subject the way
// signature reports show it: "SURNAME,GIVENNAME,SERIALNUMBER" when the
// personal attributes are present, otherwise the common name.
func QualifiedName(cert *x509.Certificate) string {
	var surname, given string
	for _, atv := range cert.Subject.Names {
		s, _ := atv.Value.(string)
		switch {
		case atv.Type.Equal(oidSurname):
			surname = s
		case atv.Type.Equal(oidGivenName):
			given = s
		}
	}
	if surname == "" && given == "" {
		if cert.Subject.CommonName != "" {
			return cert.Subject.CommonName
		}
		return cert.Subject.String()
	}
	parts := []string{surname, given}
	if cert.Subject.SerialNumber != "" {
		parts = append(parts, cert.Subject.SerialNumber)
	}
	return strings.Join(parts, ",")
}

var (
	oidSurname   = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidGivenName = asn1.ObjectIdentifier{2, 5, 4, 42}
)
