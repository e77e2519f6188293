package fetchers

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/keys"
)

// Data loader errors
var (
	ErrUnknownProtocol    = errors.New("unknown TLS protocol")
	ErrUnknownCipherSuite = errors.New("unknown TLS cipher suite")
	ErrClientKeyStore     = errors.New("client keystore cannot be used for TLS")
	ErrTLSVersionRange    = errors.New("TLS protocol settings leave no usable version")
)

// keystoreWarningPeriod is how long before expiry a client certificate starts
// producing warnings.
const keystoreWarningPeriod = 60 * 24 * time.Hour

// ConnectionOptions are the settings applied to one outbound data loader.
type ConnectionOptions struct {
	Timeout time.Duration
	Proxy   *config.ProxyConfig
	SSL     *config.SSLConfig

	// UserAgent overrides the default User-Agent header.
	UserAgent string

	// Logger receives keystore expiry warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// OptionsFor extracts the connection options of one purpose from cfg.
func OptionsFor(cfg *config.Configuration, purpose config.ConnectionPurpose) ConnectionOptions {
	cc := cfg.Connection(purpose)
	return ConnectionOptions{
		Timeout: cc.Timeout,
		Proxy:   cc.Proxy,
		SSL:     cc.SSL,
	}
}

// ConfigureDataLoader builds the HTTP client used for fetches of the given
// purpose. Proxy and TLS settings are applied only when enabled.
func ConfigureDataLoader(purpose config.ConnectionPurpose, opts ConnectionOptions) (*http.Client, error) {
	if !knownPurpose(purpose) {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownPurpose, purpose)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("purpose", string(purpose))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultConnectionTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.SSL != nil && opts.SSL.Enabled {
		logger.Debug("configuring TLS")
		var err error
		tlsConfig, err = buildTLSConfig(opts.SSL, logger)
		if err != nil {
			return nil, fmt.Errorf("%s data loader: %w", purpose, err)
		}
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL := proxyURLFor(opts.Proxy); proxyURL != nil {
		logger.Debug("creating proxy settings", "proxy", proxyURL.Redacted())
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = transport
	if opts.UserAgent != "" {
		rt = &userAgentTransport{agent: opts.UserAgent, next: transport}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}, nil
}

// DataLoaders builds one HTTP client per connection purpose.
func DataLoaders(cfg *config.Configuration, logger *slog.Logger) (map[config.ConnectionPurpose]*http.Client, error) {
	clients := make(map[config.ConnectionPurpose]*http.Client, len(config.Purposes))
	for _, p := range config.Purposes {
		opts := OptionsFor(cfg, p)
		opts.Logger = logger
		c, err := ConfigureDataLoader(p, opts)
		if err != nil {
			return nil, err
		}
		clients[p] = c
	}
	return clients, nil
}

// proxyURLFor returns nil when the proxy is disabled or incomplete. Credentials
// are only attached when both user and password are set.
func proxyURLFor(p *config.ProxyConfig) *url.URL {
	if p == nil || !p.Enabled || strings.TrimSpace(p.Host) == "" || p.Port <= 0 {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.User != "" && p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u
}

func buildTLSConfig(ssl *config.SSLConfig, logger *slog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if ssl.KeystorePath != "" {
		cert, err := loadClientCertificate(ssl.KeystorePath, ssl.KeystoreType, ssl.KeystorePassword)
		if err != nil {
			return nil, err
		}
		warnIfExpiring(logger, cert.Leaf)
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if ssl.TruststorePath != "" {
		certs, err := keys.LoadKeyStore(ssl.TruststorePath, ssl.TruststoreType, ssl.TruststorePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS truststore: %w", err)
		}
		pool := x509.NewCertPool()
		for _, c := range certs {
			warnIfExpiring(logger, c)
			pool.AddCert(c)
		}
		tlsConfig.RootCAs = pool
	}

	if ssl.Protocol != "" {
		v, err := ParseTLSVersion(ssl.Protocol)
		if err != nil {
			return nil, err
		}
		tlsConfig.MaxVersion = v
		if v < tlsConfig.MinVersion {
			tlsConfig.MinVersion = v
		}
	}

	if len(ssl.SupportedProtocols) > 0 {
		var lo, hi uint16
		for _, name := range ssl.SupportedProtocols {
			v, err := ParseTLSVersion(name)
			if err != nil {
				return nil, err
			}
			if lo == 0 || v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		tlsConfig.MinVersion = lo
		if tlsConfig.MaxVersion == 0 || hi < tlsConfig.MaxVersion {
			tlsConfig.MaxVersion = hi
		}
	}
	if tlsConfig.MaxVersion != 0 && tlsConfig.MinVersion > tlsConfig.MaxVersion {
		return nil, fmt.Errorf("%w: protocol %q with supported protocols %v", ErrTLSVersionRange, ssl.Protocol, ssl.SupportedProtocols)
	}

	if len(ssl.SupportedCipherSuites) > 0 {
		ids, err := ParseCipherSuites(ssl.SupportedCipherSuites)
		if err != nil {
			return nil, err
		}
		tlsConfig.CipherSuites = ids
	}

	return tlsConfig, nil
}

func loadClientCertificate(path, storeType, password string) (tls.Certificate, error) {
	switch strings.ToUpper(storeType) {
	case "", keys.KeyStorePKCS12, "P12", "PFX":
	default:
		return tls.Certificate{}, fmt.Errorf("%w: type %s", ErrClientKeyStore, storeType)
	}
	cred, err := keys.LoadPKCS12Credential(path, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS keystore: %w", err)
	}
	chain := cred.Chain()
	out := tls.Certificate{
		PrivateKey: cred.PrivateKey,
		Leaf:       cred.Certificate,
	}
	for _, c := range chain {
		out.Certificate = append(out.Certificate, c.Raw)
	}
	return out, nil
}

func warnIfExpiring(logger *slog.Logger, cert *x509.Certificate) {
	if cert == nil {
		return
	}
	now := time.Now()
	switch {
	case now.After(cert.NotAfter):
		logger.Warn("keystore certificate has expired",
			"subject", cert.Subject.String(), "not_after", cert.NotAfter)
	case now.Add(keystoreWarningPeriod).After(cert.NotAfter):
		logger.Warn("keystore certificate expires soon",
			"subject", cert.Subject.String(), "not_after", cert.NotAfter)
	}
}

var tlsVersions = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
	// A bare "TLS" protocol name means the newest supported version.
	"TLS": tls.VersionTLS13,
}

// ParseTLSVersion maps a protocol name such as "TLSv1.2" to its crypto/tls
// constant.
func ParseTLSVersion(name string) (uint16, error) {
	if v, ok := tlsVersions[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
}

// ParseCipherSuites maps IANA cipher suite names to crypto/tls identifiers.
// Insecure suites are accepted when named explicitly.
func ParseCipherSuites(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := known[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCipherSuite, n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func knownPurpose(p config.ConnectionPurpose) bool {
	for _, known := range config.Purposes {
		if p == known {
			return true
		}
	}
	return false
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.next.RoundTrip(req)
}
