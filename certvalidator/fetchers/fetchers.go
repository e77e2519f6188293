// Package fetchers provides the outbound data loaders used by trust
// validation: OCSP, AIA issuer certificates and raw documents such as trusted
// lists.
package fetchers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/georgepadayatti/goasic/keys"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/ocsp"
)

// Common errors
var (
	ErrFetchFailed      = errors.New("fetch failed")
	ErrOCSPParseFailed  = errors.New("OCSP parse failed")
	ErrCertParseFailed  = errors.New("certificate parse failed")
	ErrNoOCSPServers    = errors.New("no OCSP servers")
	ErrNoIssuerURLs     = errors.New("no AIA issuer URLs")
	ErrNonceMismatch    = errors.New("OCSP nonce mismatch")
	ErrMissingNonce     = errors.New("OCSP response carries no nonce")
	ErrResponseTooLarge = errors.New("response exceeds size limit")
)

// FetcherConfig configures the fetcher behavior.
type FetcherConfig struct {
	// MaxResponseSize bounds every response body.
	MaxResponseSize int64
	UserAgent       string

	// CacheTTL enables caching of GET responses when positive.
	CacheTTL time.Duration

	// RetryConfig controls retries. Nil means a single attempt.
	RetryConfig *RetryConfig

	// HTTPClient is normally built by ConfigureDataLoader.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *FetcherConfig {
	return &FetcherConfig{
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "goasic/1.0",
	}
}

// Fetcher performs HTTP requests through one configured client.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *FetcherConfig) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = DefaultConfig().MaxResponseSize
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{config: config, client: client, logger: logger}
	if config.CacheTTL > 0 {
		f.cache = gocache.New(config.CacheTTL, 2*config.CacheTTL)
	}
	return f
}

// HTTPClient returns the HTTP client used by this fetcher.
func (f *Fetcher) HTTPClient() *http.Client {
	return f.client
}

// Get fetches the body of urlStr.
func (f *Fetcher) Get(ctx context.Context, urlStr string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(urlStr); ok {
			return data.([]byte), nil
		}
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrFetchFailed, parsed.Scheme)
	}

	data, result := Retry(ctx, f.config.RetryConfig, func(ctx context.Context) ([]byte, error) {
		return f.do(ctx, http.MethodGet, urlStr, "", nil)
	})
	if !result.Success {
		return nil, result.LastError()
	}
	if f.cache != nil {
		f.cache.Set(urlStr, data, gocache.DefaultExpiration)
	}
	return data, nil
}

// Post sends body with the given content type and returns the response body.
func (f *Fetcher) Post(ctx context.Context, urlStr, contentType string, body []byte) ([]byte, error) {
	data, result := Retry(ctx, f.config.RetryConfig, func(ctx context.Context) ([]byte, error) {
		return f.do(ctx, http.MethodPost, urlStr, contentType, body)
	})
	if !result.Success {
		return nil, result.LastError()
	}
	return data, nil
}

// ClearCache drops cached GET responses.
func (f *Fetcher) ClearCache() {
	if f.cache != nil {
		f.cache.Flush()
	}
}

func (f *Fetcher) do(ctx context.Context, method, urlStr, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrFetchFailed, urlStr, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if int64(len(data)) > f.config.MaxResponseSize {
		return nil, fmt.Errorf("%w: %s", ErrResponseTooLarge, urlStr)
	}
	return data, nil
}

// OCSPFetcher fetches OCSP responses.
type OCSPFetcher struct {
	fetcher *Fetcher

	// DefaultURL is used when a certificate names no OCSP responder.
	DefaultURL string
}

// NewOCSPFetcher creates a new OCSP fetcher.
func NewOCSPFetcher(config *FetcherConfig, defaultURL string) *OCSPFetcher {
	return &OCSPFetcher{fetcher: NewFetcher(config), DefaultURL: defaultURL}
}

// OCSPRequest describes one status query.
type OCSPRequest struct {
	Certificate *x509.Certificate
	Issuer      *x509.Certificate

	// Hash for the CertID. Defaults to SHA-1 as most responders expect.
	Hash crypto.Hash

	// Nonce is sent as the id-pkix-ocsp-nonce extension when non-empty.
	Nonce []byte
	// RequireNonce rejects responses that do not echo Nonce.
	RequireNonce bool

	// URL overrides the responder location.
	URL string
}

// OCSPResult is a parsed response together with its DER encoding.
type OCSPResult struct {
	Response *ocsp.Response
	Raw      []byte
	URL      string
}

// FetchOCSP queries the responders for req in order and returns the first
// response that parses and verifies against the issuer.
func (f *OCSPFetcher) FetchOCSP(ctx context.Context, req *OCSPRequest) (*OCSPResult, error) {
	urls := f.responderURLs(req)
	if len(urls) == 0 {
		return nil, ErrNoOCSPServers
	}

	der, err := ocsp.CreateRequest(req.Certificate, req.Issuer, &ocsp.RequestOptions{Hash: req.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}
	if len(req.Nonce) > 0 {
		if der, err = AddRequestNonce(der, req.Nonce); err != nil {
			return nil, err
		}
	}

	single := *f.fetcher.config.RetryConfig.orDefault()
	single.MaxAttempts = 1
	res, multi := RetryMultiURL(ctx, &single, urls, func(ctx context.Context, u string) (*OCSPResult, error) {
		body, err := f.fetcher.Post(ctx, u, "application/ocsp-request", der)
		if err != nil {
			return nil, err
		}
		resp, err := ocsp.ParseResponseForCert(body, req.Certificate, req.Issuer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
		}
		if err := checkNonce(resp, req); err != nil {
			return nil, err
		}
		return &OCSPResult{Response: resp, Raw: body, URL: u}, nil
	})
	if !multi.Success {
		return nil, multi.AllErrors()
	}
	return res, nil
}

func (f *OCSPFetcher) responderURLs(req *OCSPRequest) []string {
	switch {
	case req.URL != "":
		return []string{req.URL}
	case len(req.Certificate.OCSPServer) > 0:
		return req.Certificate.OCSPServer
	case f.DefaultURL != "":
		return []string{f.DefaultURL}
	default:
		return nil
	}
}

func checkNonce(resp *ocsp.Response, req *OCSPRequest) error {
	if len(req.Nonce) == 0 {
		return nil
	}
	got, ok := ResponseNonce(resp)
	if !ok {
		if req.RequireNonce {
			return ErrMissingNonce
		}
		return nil
	}
	if !bytes.Equal(got, req.Nonce) {
		return ErrNonceMismatch
	}
	return nil
}

// CertFetcher downloads certificates.
type CertFetcher struct {
	fetcher *Fetcher
}

// NewCertFetcher creates a new certificate fetcher.
func NewCertFetcher(config *FetcherConfig) *CertFetcher {
	return &CertFetcher{fetcher: NewFetcher(config)}
}

// FetchCertificates fetches the PEM, DER or concatenated DER certificates
// published at urlStr.
func (f *CertFetcher) FetchCertificates(ctx context.Context, urlStr string) ([]*x509.Certificate, error) {
	data, err := f.fetcher.Get(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	certs, err := keys.LoadCertsFromPemDerData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertParseFailed, err)
	}
	return certs, nil
}

// AIAFetcher resolves issuer certificates through the Authority Information
// Access extension.
type AIAFetcher struct {
	certFetcher *CertFetcher
}

// NewAIAFetcher creates a new AIA fetcher.
func NewAIAFetcher(config *FetcherConfig) *AIAFetcher {
	return &AIAFetcher{certFetcher: NewCertFetcher(config)}
}

// FetchIssuers downloads every certificate named by cert's caIssuers URLs.
// Individual URL failures are skipped.
func (f *AIAFetcher) FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURLs
	}
	var (
		issuers []*x509.Certificate
		lastErr error
	)
	for _, u := range cert.IssuingCertificateURL {
		certs, err := f.certFetcher.FetchCertificates(ctx, u)
		if err != nil {
			f.certFetcher.fetcher.logger.Debug("AIA fetch failed", "url", u, "error", err)
			lastErr = err
			continue
		}
		issuers = append(issuers, certs...)
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("no issuers found via AIA: %w", lastErr)
	}
	return issuers, nil
}

// RevocationStatus represents the revocation status of a certificate.
type RevocationStatus int

const (
	RevocationStatusUnknown RevocationStatus = iota
	RevocationStatusGood
	RevocationStatusRevoked
)

// String returns a string representation of the revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case RevocationStatusGood:
		return "good"
	case RevocationStatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationResult contains the result of a revocation check.
type RevocationResult struct {
	Status         RevocationStatus
	Source         string
	RevocationTime *time.Time
	Reason         string
	OCSP           *OCSPResult
	Error          error
}

// RevocationChecker checks certificate status over OCSP.
type RevocationChecker struct {
	ocspFetcher *OCSPFetcher
}

// NewRevocationChecker creates a new revocation checker.
func NewRevocationChecker(fetcher *OCSPFetcher) *RevocationChecker {
	return &RevocationChecker{ocspFetcher: fetcher}
}

// CheckRevocation never returns an error; failures are reported as
// RevocationStatusUnknown with Error set.
func (c *RevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) *RevocationResult {
	res, err := c.ocspFetcher.FetchOCSP(ctx, &OCSPRequest{Certificate: cert, Issuer: issuer})
	if err != nil {
		return &RevocationResult{Status: RevocationStatusUnknown, Source: "OCSP", Error: err}
	}

	switch res.Response.Status {
	case ocsp.Good:
		return &RevocationResult{Status: RevocationStatusGood, Source: "OCSP", OCSP: res}
	case ocsp.Revoked:
		at := res.Response.RevokedAt
		return &RevocationResult{
			Status:         RevocationStatusRevoked,
			Source:         "OCSP",
			RevocationTime: &at,
			Reason:         fmt.Sprintf("revocation reason: %d", res.Response.RevocationReason),
			OCSP:           res,
		}
	default:
		return &RevocationResult{Status: RevocationStatusUnknown, Source: "OCSP", OCSP: res}
	}
}
