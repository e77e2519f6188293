package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
)

// DefaultDummyPolicy is the policy OID stamped by DummyTimeStamper.
var DefaultDummyPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}

// DummyTimeStamper signs tokens locally. It is meant for tests and offline
// signing where no TSA is reachable.
type DummyTimeStamper struct {
	TSACert *x509.Certificate
	TSAKey  crypto.Signer
	Policy  asn1.ObjectIdentifier
	Hash    crypto.Hash
	Clock   clockwork.Clock
	// EmbedCertificate controls whether the TSA certificate goes into the token.
	EmbedCertificate bool
}

// NewDummyTimeStamper creates a local timestamper signing with key.
func NewDummyTimeStamper(cert *x509.Certificate, key crypto.Signer) *DummyTimeStamper {
	return &DummyTimeStamper{
		TSACert:          cert,
		TSAKey:           key,
		Policy:           DefaultDummyPolicy,
		Hash:             crypto.SHA256,
		Clock:            clockwork.NewRealClock(),
		EmbedCertificate: true,
	}
}

// WithClock sets the clock used for the token time.
func (d *DummyTimeStamper) WithClock(c clockwork.Clock) *DummyTimeStamper {
	d.Clock = c
	return d
}

// WithPolicy sets the policy OID.
func (d *DummyTimeStamper) WithPolicy(policy asn1.ObjectIdentifier) *DummyTimeStamper {
	d.Policy = policy
	return d
}

// Timestamp implements Timestamper.
func (d *DummyTimeStamper) Timestamp(_ context.Context, data []byte) (*Token, error) {
	reqDER, _, err := CreateRequest(data, RequestOptions{Hash: d.hash(), RequestCerts: d.EmbedCertificate})
	if err != nil {
		return nil, err
	}
	respDER, err := d.Respond(reqDER)
	if err != nil {
		return nil, err
	}
	return ParseResponse(respDER)
}

// Respond answers a DER-encoded timestamp request with a DER-encoded
// TimeStampResp.
func (d *DummyTimeStamper) Respond(reqDER []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(reqDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, err
	}
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              clock.Now().UTC(),
		Nonce:             req.Nonce,
		SerialNumber:      serial,
		Policy:            d.Policy,
		AddTSACertificate: req.Certificates || d.EmbedCertificate,
	}
	resp, err := ts.CreateResponseWithOpts(d.TSACert, d.TSAKey, d.hash())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	return resp, nil
}

func (d *DummyTimeStamper) hash() crypto.Hash {
	if d.Hash == 0 {
		return crypto.SHA256
	}
	return d.Hash
}

// VerifyTimestamp parses token and checks that it covers data.
func VerifyTimestamp(token, data []byte) (*Token, error) {
	t, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	if err := t.Verify(data); err != nil {
		return nil, err
	}
	return t, nil
}

// Equal reports whether two tokens carry the same DER.
func (t *Token) Equal(other *Token) bool {
	return other != nil && bytes.Equal(t.Raw, other.Raw)
}
