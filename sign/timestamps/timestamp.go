// Package timestamps obtains and inspects RFC 3161 timestamp tokens.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
	ErrNonceMismatch     = errors.New("timestamp nonce mismatch")
)

// OIDTSTInfo is the content type of the token's encapsulated TSTInfo.
var OIDTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

// timeStampResp is the outer TimeStampResp envelope. Only the status and the
// raw token are needed here; the token itself is handled by the timestamp
// library.
type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// Token is a parsed timestamp token.
type Token struct {
	// Raw is the DER-encoded token (a CMS ContentInfo).
	Raw           []byte
	Time          time.Time
	HashAlgorithm crypto.Hash
	HashedMessage []byte
	SerialNumber  *big.Int
	Nonce         *big.Int
	Policy        asn1.ObjectIdentifier
	Certificates  []*x509.Certificate
}

// SignerCertificate returns the TSA certificate embedded in the token, if any.
func (t *Token) SignerCertificate() *x509.Certificate {
	if len(t.Certificates) == 0 {
		return nil
	}
	return t.Certificates[0]
}

// Verify checks that the token covers data.
func (t *Token) Verify(data []byte) error {
	if !t.HashAlgorithm.Available() {
		return fmt.Errorf("%w: unsupported hash algorithm", ErrInvalidTimestamp)
	}
	h := t.HashAlgorithm.New()
	h.Write(data)
	if !bytes.Equal(h.Sum(nil), t.HashedMessage) {
		return ErrTimestampMismatch
	}
	return nil
}

// Timestamper obtains a timestamp token over data.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte) (*Token, error)
}

// RequestOptions configures a timestamp request.
type RequestOptions struct {
	Hash         crypto.Hash
	RequestCerts bool
	IncludeNonce bool
	Policy       asn1.ObjectIdentifier
}

// DefaultRequestOptions returns SHA-256 with certificates and a nonce.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{Hash: crypto.SHA256, RequestCerts: true, IncludeNonce: true}
}

// CreateRequest creates a DER-encoded timestamp request over data. The nonce
// is returned so the caller can match the response.
func CreateRequest(data []byte, opts RequestOptions) ([]byte, *big.Int, error) {
	if opts.Hash == 0 {
		opts.Hash = crypto.SHA256
	}
	var nonce *big.Int
	if opts.IncludeNonce {
		n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, nil, err
		}
		nonce = n
	}
	req, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         opts.Hash,
		Certificates: opts.RequestCerts,
		TSAPolicyOID: opts.Policy,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create timestamp request: %w", err)
	}
	return req, nonce, nil
}

// ParseResponse unwraps a TimeStampResp and parses its token.
func ParseResponse(der []byte) (*Token, error) {
	var resp timeStampResp
	if _, err := asn1.Unmarshal(der, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	// 0 granted, 1 grantedWithMods
	if resp.Status.Status > 1 {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, resp.Status.Status, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidTimestamp)
	}
	return ParseToken(resp.TimeStampToken.FullBytes)
}

// ParseToken parses a DER-encoded timestamp token and verifies its CMS
// signature.
func ParseToken(der []byte) (*Token, error) {
	ts, err := timestamp.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	raw := make([]byte, len(der))
	copy(raw, der)
	return &Token{
		Raw:           raw,
		Time:          ts.Time,
		HashAlgorithm: ts.HashAlgorithm,
		HashedMessage: ts.HashedMessage,
		SerialNumber:  ts.SerialNumber,
		Nonce:         ts.Nonce,
		Policy:        ts.Policy,
		Certificates:  ts.Certificates,
	}, nil
}

// HTTPTimestamper requests tokens from a TSA over HTTP.
type HTTPTimestamper struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string
	UserAgent  string
	Options    RequestOptions
	Logger     *slog.Logger
}

// NewHTTPTimestamper creates a timestamper for url using client. A nil client
// falls back to http.DefaultClient.
func NewHTTPTimestamper(url string, client *http.Client) *HTTPTimestamper {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTimestamper{
		URL:        url,
		HTTPClient: client,
		Options:    DefaultRequestOptions(),
		Logger:     slog.Default(),
	}
}

// Timestamp implements Timestamper.
func (t *HTTPTimestamper) Timestamp(ctx context.Context, data []byte) (*Token, error) {
	reqBody, nonce, err := CreateRequest(data, t.Options)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	token, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	if err := token.Verify(data); err != nil {
		return nil, err
	}
	if nonce != nil && (token.Nonce == nil || token.Nonce.Cmp(nonce) != 0) {
		return nil, ErrNonceMismatch
	}
	if t.Logger != nil {
		t.Logger.Debug("timestamp obtained", "tsa", t.URL, "time", token.Time)
	}
	return token, nil
}
