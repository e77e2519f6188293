// Package ades holds the AdES validation report model shared by the
// container validator and its consumers, and the reconciliation step that
// turns a raw per-signature report into the one handed to callers.
package ades

import (
	"errors"

	"github.com/georgepadayatti/goasic/sign/xades"
)

// Common errors
var (
	ErrNoSignatureInReport = errors.New("no signature found in validation report")
	ErrNilReport           = errors.New("validation report is nil")
)

// Indication is the main validation status per ETSI EN 319 102-1.
type Indication string

// Indication values. TOTAL_PASSED and TOTAL_FAILED are the simple-report
// forms of PASSED and FAILED.
const (
	IndicationTotalPassed   Indication = "TOTAL_PASSED"
	IndicationPassed        Indication = "PASSED"
	IndicationIndeterminate Indication = "INDETERMINATE"
	IndicationFailed        Indication = "FAILED"
	IndicationTotalFailed   Indication = "TOTAL_FAILED"
)

// IsPassed reports whether i is one of the passed variants.
func (i Indication) IsPassed() bool {
	return i == IndicationPassed || i == IndicationTotalPassed
}

// IsFailed reports whether i is one of the failed variants.
func (i Indication) IsFailed() bool {
	return i == IndicationFailed || i == IndicationTotalFailed
}

// SubIndication refines an INDETERMINATE or FAILED indication.
type SubIndication string

// Sub-indication values per ETSI EN 319 102-1
const (
	// FAILED sub-indications
	SubIndicationFormatFailure              SubIndication = "FORMAT_FAILURE"
	SubIndicationHashFailure                SubIndication = "HASH_FAILURE"
	SubIndicationSigCryptoFailure           SubIndication = "SIG_CRYPTO_FAILURE"
	SubIndicationRevoked                    SubIndication = "REVOKED"
	SubIndicationNotYetValid                SubIndication = "NOT_YET_VALID"
	SubIndicationChainConstraintsFailure    SubIndication = "CHAIN_CONSTRAINTS_FAILURE"
	SubIndicationCertificateChainGenFailure SubIndication = "CERTIFICATE_CHAIN_GENERAL_FAILURE"

	// INDETERMINATE sub-indications
	SubIndicationSignedDataNotFound      SubIndication = "SIGNED_DATA_NOT_FOUND"
	SubIndicationNoSignerCertFound       SubIndication = "NO_SIGNING_CERTIFICATE_FOUND"
	SubIndicationNoCertificateChainFound SubIndication = "NO_CERTIFICATE_CHAIN_FOUND"
	SubIndicationRevokedNoPoE            SubIndication = "REVOKED_NO_POE"
	SubIndicationOutOfBoundsNoPoE        SubIndication = "OUT_OF_BOUNDS_NO_POE"
	SubIndicationTryLater                SubIndication = "TRY_LATER"
	SubIndicationTimestampOrderFailure   SubIndication = "TIMESTAMP_ORDER_FAILURE"
	SubIndicationNoPoE                   SubIndication = "NO_POE"
)

// Signature format labels that the raw report producer does not know about.
const (
	FormatBaselineLTTM  = "XAdES-BASELINE-LT-TM"
	FormatBaselineBEPES = "XAdES-BASELINE-B-EPES"
)

// FormatLabel returns the signature format label shown for a signature
// with the given profile and parsed level.
func FormatLabel(profile xades.Profile, level xades.Level) string {
	switch profile {
	case xades.ProfileTimeMark:
		return FormatBaselineLTTM
	case xades.ProfileEPES:
		return FormatBaselineBEPES
	}
	return level.String()
}
