package fetchers

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureDataLoaderRejectsUnknownPurpose(t *testing.T) {
	_, err := ConfigureDataLoader("ldap", ConnectionOptions{})
	assert.ErrorIs(t, err, config.ErrUnknownPurpose)
}

func TestConfigureDataLoaderDefaults(t *testing.T) {
	client, err := ConfigureDataLoader(config.PurposeOCSP, ConnectionOptions{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConnectionTimeout, client.Timeout)

	tr := client.Transport.(*http.Transport)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.Nil(t, tr.TLSClientConfig.RootCAs)
}

func TestConfigureDataLoaderProxy(t *testing.T) {
	client, err := ConfigureDataLoader(config.PurposeTSL, ConnectionOptions{
		Timeout: 5 * time.Second,
		Proxy:   &config.ProxyConfig{Enabled: true, Host: "proxy.example.com", Port: 3128, User: "u", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.Timeout)

	req, _ := http.NewRequest(http.MethodGet, "https://ec.europa.eu/tools/lotl/eu-lotl.xml", nil)
	proxy, err := client.Transport.(*http.Transport).Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Equal(t, "proxy.example.com:3128", proxy.Host)
	assert.Equal(t, "u", proxy.User.Username())
}

func TestProxyURLFor(t *testing.T) {
	tests := []struct {
		name  string
		proxy *config.ProxyConfig
		want  string
	}{
		{"nil", nil, ""},
		{"disabled", &config.ProxyConfig{Host: "h", Port: 1}, ""},
		{"no port", &config.ProxyConfig{Enabled: true, Host: "h"}, ""},
		{"no host", &config.ProxyConfig{Enabled: true, Port: 8080}, ""},
		{"anonymous", &config.ProxyConfig{Enabled: true, Host: "h", Port: 8080}, "http://h:8080"},
		{"user without password", &config.ProxyConfig{Enabled: true, Host: "h", Port: 8080, User: "u"}, "http://h:8080"},
		{"credentials", &config.ProxyConfig{Enabled: true, Host: "h", Port: 8080, User: "u", Password: "p"}, "http://u:p@h:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proxyURLFor(tt.proxy)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestConfigureDataLoaderTLSSettings(t *testing.T) {
	dir := t.TempDir()
	root := testpki.NewRootCA(t, "TLS Root")
	client := root.IssueLeaf(t, "TLS Client", testpki.LeafOptions{KeyType: testpki.RSA2048})

	trustPath := filepath.Join(dir, "trust.p12")
	keyPath := filepath.Join(dir, "client.p12")
	require.NoError(t, os.WriteFile(trustPath, testpki.PKCS12TrustStore(t, "tpw", root.Cert), 0o600))
	require.NoError(t, os.WriteFile(keyPath, testpki.PKCS12KeyStore(t, "kpw", client, root.Cert), 0o600))

	c, err := ConfigureDataLoader(config.PurposeOCSP, ConnectionOptions{SSL: &config.SSLConfig{
		Enabled:               true,
		KeystorePath:          keyPath,
		KeystoreType:          "PKCS12",
		KeystorePassword:      "kpw",
		TruststorePath:        trustPath,
		TruststoreType:        "PKCS12",
		TruststorePassword:    "tpw",
		SupportedProtocols:    []string{"TLSv1.2", "TLSv1.3"},
		SupportedCipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"},
	}})
	require.NoError(t, err)

	cfg := c.Transport.(*http.Transport).TLSClientConfig
	assert.NotNil(t, cfg.RootCAs)
	require.Len(t, cfg.Certificates, 1)
	assert.Len(t, cfg.Certificates[0].Certificate, 2)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}, cfg.CipherSuites)
}

func TestConfigureDataLoaderTLSErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		ssl  *config.SSLConfig
		want error
	}{
		{"unknown protocol", &config.SSLConfig{Enabled: true, Protocol: "SSLv3"}, ErrUnknownProtocol},
		{"protocol below supported range", &config.SSLConfig{Enabled: true, Protocol: "TLSv1.2", SupportedProtocols: []string{"TLSv1.3"}}, ErrTLSVersionRange},
		{"unknown cipher", &config.SSLConfig{Enabled: true, SupportedCipherSuites: []string{"TLS_FOO"}}, ErrUnknownCipherSuite},
		{"jks keystore", &config.SSLConfig{Enabled: true, KeystorePath: "k.jks", KeystoreType: "JKS"}, ErrClientKeyStore},
		{"missing truststore", &config.SSLConfig{Enabled: true, TruststorePath: filepath.Join(dir, "none.p12")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConfigureDataLoader(config.PurposeAIA, ConnectionOptions{SSL: tt.ssl})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestConfigureDataLoaderSSLDisabledIgnoresStores(t *testing.T) {
	_, err := ConfigureDataLoader(config.PurposeTSP, ConnectionOptions{SSL: &config.SSLConfig{
		Enabled:        false,
		TruststorePath: "/does/not/exist.p12",
	}})
	assert.NoError(t, err)
}

func TestDataLoaderTrustsConfiguredTruststore(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	trustPath := filepath.Join(t.TempDir(), "trust.p12")
	require.NoError(t, os.WriteFile(trustPath, testpki.PKCS12TrustStore(t, "pw", srv.Certificate()), 0o600))

	client, err := ConfigureDataLoader(config.PurposeTSL, ConnectionOptions{
		UserAgent: "goasic-test",
		SSL: &config.SSLConfig{
			Enabled:            true,
			TruststorePath:     trustPath,
			TruststorePassword: "pw",
		},
	})
	require.NoError(t, err)

	f := NewFetcher(&FetcherConfig{HTTPClient: client})
	body, err := f.Get(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "goasic-test", string(body))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDataLoadersBuildsEveryPurpose(t *testing.T) {
	cfg := config.New(config.ModeTest)
	cfg.Connections[config.PurposeOCSP].Timeout = 3 * time.Second

	clients, err := DataLoaders(cfg, nil)
	require.NoError(t, err)
	assert.Len(t, clients, len(config.Purposes))
	assert.Equal(t, 3*time.Second, clients[config.PurposeOCSP].Timeout)
	assert.Equal(t, config.DefaultConnectionTimeout, clients[config.PurposeTSL].Timeout)
}

func TestParseTLSVersion(t *testing.T) {
	v, err := ParseTLSVersion(" tlsv1.3 ")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = ParseTLSVersion("SSLv2")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}
