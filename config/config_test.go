package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	if err.Message != "message" {
		t.Errorf("Expected message 'message', got '%s'", err.Message)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Errorf("Expected ConfigError to match ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestOIDRegex(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4", true},
		{"1.3.6.1.4.1.10015.1000.3.2.1", true},
		{"1", false},
		{"abc", false},
		{"urn:oid:1.2.3", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := OIDRegex.MatchString(tt.input); got != tt.expected {
			t.Errorf("OIDRegex.MatchString(%s) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestNewAppliesModeDefaults(t *testing.T) {
	prod := New(ModeProd)
	assert.Equal(t, DefaultProdLOTLURL, prod.TSL.LOTLURL)
	assert.Equal(t, DefaultProdOCSPSource, prod.OCSPSource)
	assert.Equal(t, DefaultTimeMarkPolicyOID, prod.Signature.TimeMarkPolicyOID)
	assert.Equal(t, DefaultEPESPolicyOID, prod.Signature.EPESPolicyOID)
	assert.True(t, prod.TSL.PivotSupport())
	assert.Equal(t, DefaultTSLCacheDir(), prod.TSL.CacheDir)

	test := New(ModeTest)
	assert.True(t, test.IsTest())
	assert.Equal(t, DefaultTestLOTLURL, test.TSL.LOTLURL)
	assert.Equal(t, DefaultTestTSPSource, test.TSPSource)

	for _, p := range Purposes {
		require.NotNil(t, test.Connections[p], "connection %s", p)
		assert.Equal(t, DefaultConnectionTimeout, test.Connections[p].Timeout)
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
mode: test
signature:
  digest-algorithm: SHA384
  profile: LTA
tsl:
  lotl-truststore-path: /tmp/lotl.p12
  lotl-pivot-support: false
  trusted-territories: [ee, " lv "]
  refresh-interval: 1h
connections:
  ocsp:
    timeout: 5s
    proxy:
      enabled: true
      host: proxy.example.com
      port: 8080
      user: alice
      password: secret
  tsl:
    ssl:
      enabled: true
      truststore-path: /tmp/trust.p12
      supported-protocols: [TLSv1.2, TLSv1.3]
`)

	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, ModeTest, cfg.Mode)
	assert.Equal(t, "SHA384", cfg.Signature.DigestAlgorithm)
	assert.Equal(t, "LTA", cfg.Signature.Profile)
	assert.False(t, cfg.TSL.PivotSupport())
	assert.Equal(t, []string{"EE", "LV"}, cfg.TSL.TrustedTerritories)
	assert.Equal(t, time.Hour, cfg.TSL.RefreshInterval)

	ocsp := cfg.Connection(PurposeOCSP)
	assert.Equal(t, 5*time.Second, ocsp.Timeout)
	require.NotNil(t, ocsp.Proxy)
	assert.Equal(t, "proxy.example.com", ocsp.Proxy.Host)
	assert.Equal(t, 8080, ocsp.Proxy.Port)

	tsl := cfg.Connection(PurposeTSL)
	require.NotNil(t, tsl.SSL)
	assert.Equal(t, []string{"TLSv1.2", "TLSv1.3"}, tsl.SSL.SupportedProtocols)
	assert.Equal(t, DefaultConnectionTimeout, tsl.Timeout)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "mode: STAGING\n", "mode"},
		{"bad oid", "signature:\n  tm-policy-oid: not-an-oid\n", "tm-policy-oid"},
		{"epes oid equals tm oid", "signature:\n  epes-policy-oid: 1.3.6.1.4.1.10015.1000.3.2.1\n", "epes-policy-oid"},
		{"proxy without host", "connections:\n  aia:\n    proxy:\n      enabled: true\n      port: 80\n", "proxy.host"},
		{"proxy bad port", "connections:\n  aia:\n    proxy:\n      enabled: true\n      host: h\n", "proxy.port"},
		{"unknown purpose", "connections:\n  ldap:\n    timeout: 1s\n", "connections"},
		{"ssl without stores", "connections:\n  tsp:\n    ssl:\n      enabled: true\n", "connections.tsp.ssl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, cerr.Field, tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goasic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: PROD\nocsp-source: http://ocsp.example\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://ocsp.example", cfg.OCSPSource)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConnectionFallback(t *testing.T) {
	cfg := &Configuration{}
	cc := cfg.Connection(PurposeAIA)
	require.NotNil(t, cc)
	assert.Equal(t, DefaultConnectionTimeout, cc.Timeout)
}

func TestLoggingConfigDefaults(t *testing.T) {
	var c LoggingConfig
	c.SetDefaults()
	if c.Level != "info" || c.Format != "text" || c.Output != "stderr" {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "json", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("visible", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"msg":"visible"`), out)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, closeFn, err := NewLogger(&LoggingConfig{Output: path, Level: "warn"})
	require.NoError(t, err)
	logger.Warn("written")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}
