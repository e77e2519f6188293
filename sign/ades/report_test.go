package ades

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignature(id string) *ValidationReport {
	return &ValidationReport{
		ID:              id,
		SignatureFormat: "XAdES-BASELINE-LT",
		SignedBy:        "TESTNUMBER,MARY ÄNN,60001013739",
		Indication:      IndicationTotalPassed,
	}
}

func TestIndication(t *testing.T) {
	assert.True(t, IndicationPassed.IsPassed())
	assert.True(t, IndicationTotalPassed.IsPassed())
	assert.False(t, IndicationIndeterminate.IsPassed())
	assert.True(t, IndicationTotalFailed.IsFailed())
	assert.True(t, IndicationFailed.IsFailed())
	assert.False(t, IndicationPassed.IsFailed())
}

func TestAllErrors(t *testing.T) {
	r := rawEntry()
	r.Errors = []string{"top"}
	assert.Equal(t, []string{
		"top",
		"The certificate is not related to a granted status!",
		"The certificate is not qualified at issuance time!",
		"Signature has an invalid timestamp",
	}, r.AllErrors())
	assert.False(t, r.IsValid())
	assert.True(t, validSignature("S0").IsValid())
}

func TestContainerReportIndication(t *testing.T) {
	r := &ContainerReport{}
	assert.Equal(t, IndicationIndeterminate, r.ComputeOverallIndication())
	assert.False(t, r.IsValid())

	r.AddSignature(validSignature("S0"))
	r.AddSignature(validSignature("S1"))
	assert.Equal(t, IndicationTotalPassed, r.ComputeOverallIndication())
	assert.True(t, r.IsValid())
	assert.Equal(t, 2, r.ValidSignaturesCount())

	r.AddContainerError("Manifest file has an entry for file <test.txt> with mimetype <text/plain> but the signature file for signature S0 does not have an entry for this file")
	assert.Equal(t, IndicationIndeterminate, r.ComputeOverallIndication())
	assert.False(t, r.IsValid())

	failed := validSignature("S2")
	failed.Indication = IndicationTotalFailed
	failed.SubIndication = SubIndicationHashFailure
	r.AddSignature(failed)
	assert.Equal(t, IndicationTotalFailed, r.ComputeOverallIndication())
	assert.Equal(t, 3, r.SignaturesCount())
	assert.Equal(t, 2, r.ValidSignaturesCount())
}

func TestContainerReportSerialization(t *testing.T) {
	r := &ContainerReport{
		ValidationTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		DocumentName:   "test.asice",
	}
	sig := validSignature("S0")
	sig.Errors = []string{"The past signature validation is not conclusive!"}
	sig.Indication = IndicationIndeterminate
	sig.SubIndication = SubIndicationRevokedNoPoE
	r.AddSignature(sig)
	r.ComputeOverallIndication()

	data, err := r.ToJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "test.asice", decoded["documentName"])
	assert.Equal(t, "INDETERMINATE", decoded["indication"])

	data, err = r.ToXML()
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "<SimpleReport>"))
	assert.Contains(t, out, `<Signature Id="S0" SignatureFormat="XAdES-BASELINE-LT">`)
	assert.Contains(t, out, "<SubIndication>REVOKED_NO_POE</SubIndication>")
	assert.Contains(t, out, "<Errors>The past signature validation is not conclusive!</Errors>")

	var back ContainerReport
	require.NoError(t, xml.Unmarshal(data, &back))
	require.Len(t, back.Signatures, 1)
	assert.Equal(t, sig.SignedBy, back.Signatures[0].SignedBy)
}

func TestContainerReportSimpleText(t *testing.T) {
	r := &ContainerReport{DocumentName: "test.asice"}
	sig := rawEntry()
	sig.Warnings = []string{"The signature is not in the Qualified Electronic Signature level"}
	r.AddSignature(sig)
	r.AddContainerError("unsigned file")
	r.ComputeOverallIndication()

	text := r.ToSimpleText()
	assert.Contains(t, text, "Document: test.asice")
	assert.Contains(t, text, "Overall Result: INDETERMINATE")
	assert.Contains(t, text, "Signatures: 1 total, 0 valid")
	assert.Contains(t, text, "CONTAINER ERROR: unsigned file")
	assert.Contains(t, text, "Format: XAdES-BASELINE-LT")
	assert.Contains(t, text, "  ERROR: Signature has an invalid timestamp")
	assert.Contains(t, text, "  WARNING: The signature is not in the Qualified Electronic Signature level")
	assert.Contains(t, text, "Timestamp: SIGNATURE_TIMESTAMP")
}
