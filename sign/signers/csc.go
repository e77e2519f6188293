// This file implements a signature token backed by a remote signing service
// speaking the Cloud Signature Consortium API (v1.0.4.0).
//
// Usage:
//  1. Create a CSCSession with the service URL and credential ID
//  2. Call NewCSCToken, which fetches the credential's certificates
//  3. Pass the token to the signature builder like any other token
package signers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/sign"
	"github.com/jonboulle/clockwork"
)

// CSC errors
var (
	ErrCSCSigningFailed    = errors.New("CSC signing request failed")
	ErrCSCAuthFailed       = errors.New("CSC authorization failed")
	ErrCSCCredentialFailed = errors.New("CSC credential info request failed")
	ErrCSCInvalidResponse  = errors.New("invalid CSC response")
	ErrCSCUnsupportedAlgo  = errors.New("unsupported signature algorithm")
	ErrCSCSADExpired       = errors.New("SAD token expired")
	ErrCSCSADUsed          = errors.New("prefetched SAD already used")
)

// CSCSession identifies the service and credential to sign with.
type CSCSession struct {
	// ServiceURL precedes /csc/<version>/... in endpoint URLs.
	ServiceURL   string
	CredentialID string
	OAuthToken   string
	APIVersion   string
}

// NewCSCSession returns a session for API version v1.
func NewCSCSession(serviceURL, credentialID string) *CSCSession {
	return &CSCSession{
		ServiceURL:   strings.TrimRight(serviceURL, "/"),
		CredentialID: credentialID,
		APIVersion:   "v1",
	}
}

// EndpointURL returns the full URL for a CSC endpoint.
func (s *CSCSession) EndpointURL(endpoint string) string {
	return fmt.Sprintf("%s/csc/%s/%s", s.ServiceURL, s.APIVersion, endpoint)
}

// CSCCredentialInfo is the result of a credentials/info call.
type CSCCredentialInfo struct {
	SigningCert *x509.Certificate
	Chain       []*x509.Certificate
	// Algorithms lists the signature algorithm OIDs the key supports.
	Algorithms []string
	// HashPinningRequired is set for SCAL 2 credentials, whose SAD is bound
	// to the hashes being signed.
	HashPinningRequired bool
}

// SupportsAlgorithm reports whether the credential lists oid. An empty
// list is taken to support everything.
func (c *CSCCredentialInfo) SupportsAlgorithm(oid string) bool {
	if len(c.Algorithms) == 0 {
		return true
	}
	for _, alg := range c.Algorithms {
		if alg == oid {
			return true
		}
	}
	return false
}

// CSCAuthorization is the Signature Activation Data returned by
// credentials/authorize.
type CSCAuthorization struct {
	SAD       string
	ExpiresAt time.Time
}

// CSCOption configures a CSCToken.
type CSCOption func(*CSCToken)

// WithCSCHTTPClient sets the HTTP client used for every call.
func WithCSCHTTPClient(c *http.Client) CSCOption {
	return func(t *CSCToken) { t.client = c }
}

// WithCredentialInfo skips the credentials/info call.
func WithCredentialInfo(info *CSCCredentialInfo) CSCOption {
	return func(t *CSCToken) { t.info = info }
}

// WithPrefetchedSAD uses an authorization obtained out of band. It is good
// for a single signature.
func WithPrefetchedSAD(auth *CSCAuthorization) CSCOption {
	return func(t *CSCToken) { t.prefetched = auth }
}

// WithPIN sets the PIN sent to credentials/authorize.
func WithPIN(pin string) CSCOption {
	return func(t *CSCToken) { t.pin = pin }
}

// WithOTP sets the one-time password sent to credentials/authorize.
func WithOTP(otp string) CSCOption {
	return func(t *CSCToken) { t.otp = otp }
}

// WithCSCClock sets the clock used to check SAD expiry.
func WithCSCClock(c clockwork.Clock) CSCOption {
	return func(t *CSCToken) { t.clock = c }
}

// CSCToken signs through a remote CSC service.
type CSCToken struct {
	session *CSCSession
	client  *http.Client
	info    *CSCCredentialInfo
	clock   clockwork.Clock

	pin, otp string

	mu             sync.Mutex
	prefetched     *CSCAuthorization
	prefetchedUsed bool
}

// NewCSCToken connects to the service and loads the credential's
// certificates unless WithCredentialInfo supplies them.
func NewCSCToken(ctx context.Context, session *CSCSession, opts ...CSCOption) (*CSCToken, error) {
	t := &CSCToken{
		session: session,
		client:  &http.Client{Timeout: config.DefaultConnectionTimeout},
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.info == nil {
		info, err := FetchCSCCredentialInfo(ctx, t.client, session)
		if err != nil {
			return nil, err
		}
		t.info = info
	}
	return t, nil
}

// Certificate returns the credential's signing certificate.
func (t *CSCToken) Certificate() *x509.Certificate { return t.info.SigningCert }

// CertificateChain returns the credential's CA certificates.
func (t *CSCToken) CertificateChain() []*x509.Certificate { return t.info.Chain }

// Sign hashes data with h, obtains a SAD for the hash and calls
// signatures/signHash.
func (t *CSCToken) Sign(ctx context.Context, h crypto.Hash, data []byte) ([]byte, error) {
	signAlgo, err := signatureAlgorithmOID(t.info.SigningCert, h)
	if err != nil {
		return nil, err
	}
	if !t.info.SupportsAlgorithm(signAlgo) {
		return nil, fmt.Errorf("%w: credential does not support %s", ErrCSCUnsupportedAlgo, signAlgo)
	}
	hashAlgo, err := digestAlgorithmOID(h)
	if err != nil {
		return nil, err
	}
	d := h.New()
	d.Write(data)
	hashB64 := base64.StdEncoding.EncodeToString(d.Sum(nil))

	auth, err := t.authorize(ctx, []string{hashB64})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Signatures []string `json:"signatures"`
	}
	err = t.call(ctx, "signatures/signHash", map[string]any{
		"credentialID": t.session.CredentialID,
		"SAD":          auth.SAD,
		"hash":         []string{hashB64},
		"hashAlgo":     hashAlgo,
		"signAlgo":     signAlgo,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSCSigningFailed, err)
	}
	if len(resp.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected 1 signature, got %d", ErrCSCInvalidResponse, len(resp.Signatures))
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSCInvalidResponse, err)
	}
	return sig, nil
}

func (t *CSCToken) authorize(ctx context.Context, hashes []string) (*CSCAuthorization, error) {
	t.mu.Lock()
	if t.prefetched != nil {
		defer t.mu.Unlock()
		if t.prefetchedUsed {
			return nil, ErrCSCSADUsed
		}
		t.prefetchedUsed = true
		if t.clock.Now().After(t.prefetched.ExpiresAt) {
			return nil, ErrCSCSADExpired
		}
		return t.prefetched, nil
	}
	t.mu.Unlock()

	req := map[string]any{
		"credentialID":  t.session.CredentialID,
		"numSignatures": len(hashes),
		"hash":          hashes,
	}
	if t.pin != "" {
		req["PIN"] = t.pin
	}
	if t.otp != "" {
		req["OTP"] = t.otp
	}
	var resp struct {
		SAD       string `json:"SAD"`
		ExpiresIn *int   `json:"expiresIn"`
	}
	if err := t.call(ctx, "credentials/authorize", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSCAuthFailed, err)
	}
	if resp.SAD == "" {
		return nil, fmt.Errorf("%w: missing SAD value", ErrCSCInvalidResponse)
	}
	expiresIn := 3600
	if resp.ExpiresIn != nil {
		expiresIn = *resp.ExpiresIn
	}
	return &CSCAuthorization{
		SAD:       resp.SAD,
		ExpiresAt: t.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (t *CSCToken) call(ctx context.Context, endpoint string, body, out any) error {
	return postJSON(ctx, t.client, t.session, endpoint, body, out)
}

func postJSON(ctx context.Context, client *http.Client, session *CSCSession, endpoint string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.EndpointURL(endpoint), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if session.OAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+session.OAuthToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrCSCInvalidResponse, err)
	}
	return nil
}

// FetchCSCCredentialInfo calls credentials/info and decodes the certificate
// chain, the supported algorithms and the SCAL level.
func FetchCSCCredentialInfo(ctx context.Context, client *http.Client, session *CSCSession) (*CSCCredentialInfo, error) {
	var resp credentialInfoResponse
	err := postJSON(ctx, client, session, "credentials/info", map[string]any{
		"credentialID": session.CredentialID,
		"certificates": "chain",
		"certInfo":     false,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSCCredentialFailed, err)
	}
	return resp.parse()
}

type credentialInfoResponse struct {
	Cert struct {
		Certificates []string `json:"certificates"`
	} `json:"cert"`
	Key struct {
		Algo []string `json:"algo"`
	} `json:"key"`
	SCAL json.Number `json:"SCAL"`
}

func (r *credentialInfoResponse) parse() (*CSCCredentialInfo, error) {
	if len(r.Cert.Certificates) == 0 {
		return nil, fmt.Errorf("%w: no certificates in response", ErrCSCInvalidResponse)
	}
	certs := make([]*x509.Certificate, 0, len(r.Cert.Certificates))
	for i, b64 := range r.Cert.Certificates {
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrCSCInvalidResponse, i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrCSCInvalidResponse, i, err)
		}
		certs = append(certs, cert)
	}
	return &CSCCredentialInfo{
		SigningCert:         certs[0],
		Chain:               certs[1:],
		Algorithms:          r.Key.Algo,
		HashPinningRequired: r.SCAL.String() == "2",
	}, nil
}

func digestAlgorithmOID(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA256:
		return "2.16.840.1.101.3.4.2.1", nil
	case crypto.SHA384:
		return "2.16.840.1.101.3.4.2.2", nil
	case crypto.SHA512:
		return "2.16.840.1.101.3.4.2.3", nil
	case crypto.SHA224:
		return "2.16.840.1.101.3.4.2.4", nil
	default:
		return "", fmt.Errorf("%w: %v", ErrCSCUnsupportedAlgo, h)
	}
}

func signatureAlgorithmOID(cert *x509.Certificate, h crypto.Hash) (string, error) {
	switch cert.PublicKeyAlgorithm {
	case x509.RSA:
		switch h {
		case crypto.SHA224:
			return "1.2.840.113549.1.1.14", nil
		case crypto.SHA256:
			return "1.2.840.113549.1.1.11", nil
		case crypto.SHA384:
			return "1.2.840.113549.1.1.12", nil
		case crypto.SHA512:
			return "1.2.840.113549.1.1.13", nil
		}
	case x509.ECDSA:
		switch h {
		case crypto.SHA224:
			return "1.2.840.10045.4.3.1", nil
		case crypto.SHA256:
			return "1.2.840.10045.4.3.2", nil
		case crypto.SHA384:
			return "1.2.840.10045.4.3.3", nil
		case crypto.SHA512:
			return "1.2.840.10045.4.3.4", nil
		}
	}
	return "", fmt.Errorf("%w: %s with %v", ErrCSCUnsupportedAlgo, cert.PublicKeyAlgorithm, h)
}

var _ sign.SignatureToken = (*CSCToken)(nil)
