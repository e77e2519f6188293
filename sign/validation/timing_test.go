package validation

import (
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/georgepadayatti/goasic/sign/xades"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestSignatureTime(t *testing.T) {
	ca := testpki.NewRootCA(t, "Test Root")
	leaf := ca.IssueLeaf(t, "leaf", testpki.LeafOptions{})
	responder, _ := testpki.NewOCSPResponder(t, ca)
	resp, err := responder.Respond(leaf.Cert.SerialNumber, nil)
	require.NoError(t, err)

	claimed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := claimed.Add(48 * time.Hour)
	ts1, ts2 := claimed.Add(time.Minute), claimed.Add(2*time.Minute)

	t.Run("earliest timestamp wins", func(t *testing.T) {
		p := &xades.ParsedSignature{Profile: xades.ProfileLT, SigningTime: claimed}
		got, src := BestSignatureTime(p, []time.Time{ts2, ts1}, now)
		assert.Equal(t, ts1, got)
		assert.Equal(t, TimeSourceEmbeddedTimestamp, src)
		assert.True(t, src.IsTrusted())
	})

	t.Run("time-mark", func(t *testing.T) {
		p := &xades.ParsedSignature{
			Profile:            xades.ProfileTimeMark,
			SigningTime:        claimed,
			SigningCertificate: leaf.Cert,
			OCSPResponses:      [][]byte{resp},
		}
		got, src := BestSignatureTime(p, nil, now)
		assert.Equal(t, TimeSourceTimeMark, src)
		assert.Equal(t, p.OCSP()[0].ProducedAt, got)
	})

	t.Run("time-mark about another certificate", func(t *testing.T) {
		other := ca.IssueLeaf(t, "other", testpki.LeafOptions{})
		p := &xades.ParsedSignature{
			Profile:            xades.ProfileTimeMark,
			SigningTime:        claimed,
			SigningCertificate: other.Cert,
			OCSPResponses:      [][]byte{resp},
		}
		got, src := BestSignatureTime(p, nil, now)
		assert.Equal(t, claimed, got)
		assert.Equal(t, TimeSourceSignatureTime, src)
		assert.False(t, src.IsTrusted())
	})

	t.Run("no time at all", func(t *testing.T) {
		got, src := BestSignatureTime(&xades.ParsedSignature{Profile: xades.ProfileBES}, nil, now)
		assert.Equal(t, now, got)
		assert.Equal(t, TimeSourceCurrentTime, src)
	})
}

func TestAnalyzeRevocationTiming(t *testing.T) {
	signed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	before, after := signed.Add(-time.Hour), signed.Add(time.Hour)

	tests := []struct {
		name    string
		revoked bool
		at      *time.Time
		source  TimeSource
		want    RevocationTimingStatus
		warning bool
	}{
		{"good", false, nil, TimeSourceSignatureTime, RevocationTimingNotRevoked, false},
		{"revoked before timestamp", true, &before, TimeSourceEmbeddedTimestamp, RevocationTimingRevokedBefore, false},
		{"revoked after timestamp", true, &after, TimeSourceEmbeddedTimestamp, RevocationTimingRevokedAfter, true},
		{"revoked after time-mark", true, &after, TimeSourceTimeMark, RevocationTimingRevokedAfter, true},
		{"claimed time only", true, &before, TimeSourceSignatureTime, RevocationTimingUnknown, true},
		{"revocation time missing", true, nil, TimeSourceEmbeddedTimestamp, RevocationTimingUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := AnalyzeRevocationTiming(tt.revoked, tt.at, signed, tt.source)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.warning, res.Warning != "", res.Warning)
			assert.Equal(t, tt.at, res.RevocationTime)
		})
	}

	res := AnalyzeRevocationTiming(true, &after, signed, TimeSourceEmbeddedTimestamp)
	assert.Contains(t, res.Warning, after.Format(time.RFC3339))
	assert.Contains(t, res.Warning, signed.Format(time.RFC3339))
}

func TestCertificateValidityAt(t *testing.T) {
	ca := testpki.NewRootCA(t, "Test Root")
	leaf := ca.IssueLeaf(t, "leaf", testpki.LeafOptions{}).Cert

	assert.NoError(t, CertificateValidityAt(leaf, time.Now()))
	assert.ErrorIs(t, CertificateValidityAt(leaf, leaf.NotBefore.Add(-time.Second)), ErrCertificateNotYetValid)
	assert.ErrorIs(t, CertificateValidityAt(leaf, leaf.NotAfter.Add(time.Second)), ErrCertificateExpired)
}
