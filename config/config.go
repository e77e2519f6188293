// Package config loads and validates the signing and trust configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidOID           = errors.New("invalid OID")
	ErrUnknownPurpose       = errors.New("unknown connection purpose")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Mode selects the set of built-in defaults (endpoints, LOTL, refresh policy).
type Mode string

const (
	ModeProd Mode = "PROD"
	ModeTest Mode = "TEST"
)

// ConnectionPurpose identifies the kind of outbound fetch a client is used for.
type ConnectionPurpose string

const (
	PurposeOCSP ConnectionPurpose = "ocsp"
	PurposeTSP  ConnectionPurpose = "tsp"
	PurposeAIA  ConnectionPurpose = "aia"
	PurposeTSL  ConnectionPurpose = "tsl"
)

// Purposes lists every connection purpose in a stable order.
var Purposes = []ConnectionPurpose{PurposeOCSP, PurposeTSP, PurposeAIA, PurposeTSL}

// Built-in endpoints.
const (
	DefaultProdLOTLURL    = "https://ec.europa.eu/tools/lotl/eu-lotl.xml"
	DefaultTestLOTLURL    = "https://open-eid.github.io/test-TL/tl-mp-test-EE.xml"
	DefaultProdOCSPSource = "http://ocsp.sk.ee/"
	DefaultTestOCSPSource = "http://demo.sk.ee/ocsp"
	DefaultProdTSPSource  = "http://tsa.sk.ee"
	DefaultTestTSPSource  = "http://demo.sk.ee/tsa"

	DefaultTruststoreType     = "PKCS12"
	DefaultTruststorePassword = "digidoc4j-password"
	DefaultTimeMarkPolicyOID  = "1.3.6.1.4.1.10015.1000.3.2.1"
	DefaultEPESPolicyOID      = "1.3.6.1.4.1.10015.1000.3.1.1"
	DefaultConnectionTimeout  = 30 * time.Second
	DefaultRefreshInterval    = 24 * time.Hour
	DefaultTSLExpiryWarning   = 7 * 24 * time.Hour
	tslCacheDirName           = "goasicTSLCache"
)

// DefaultTSLCacheDir returns the trusted list cache directory under the system temp location.
func DefaultTSLCacheDir() string {
	return filepath.Join(os.TempDir(), tslCacheDirName)
}

// ProxyConfig describes an HTTP proxy for one connection purpose.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host,omitempty"`
	Port     int    `yaml:"port" json:"port,omitempty"`
	User     string `yaml:"user" json:"user,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
}

// Validate validates the proxy configuration.
func (c *ProxyConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.Host == "" {
		return NewConfigError("proxy.host", "proxy host is required when proxy is enabled")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigError("proxy.port", fmt.Sprintf("invalid proxy port %d", c.Port))
	}
	return nil
}

// SSLConfig describes client TLS material for one connection purpose.
type SSLConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	KeystorePath     string `yaml:"keystore-path" json:"keystore_path,omitempty"`
	KeystoreType     string `yaml:"keystore-type" json:"keystore_type,omitempty"`
	KeystorePassword string `yaml:"keystore-password" json:"keystore_password,omitempty"`

	TruststorePath     string `yaml:"truststore-path" json:"truststore_path,omitempty"`
	TruststoreType     string `yaml:"truststore-type" json:"truststore_type,omitempty"`
	TruststorePassword string `yaml:"truststore-password" json:"truststore_password,omitempty"`

	// Protocol is the preferred protocol, e.g. "TLSv1.2".
	Protocol string `yaml:"protocol" json:"protocol,omitempty"`

	SupportedProtocols    []string `yaml:"supported-protocols" json:"supported_protocols,omitempty"`
	SupportedCipherSuites []string `yaml:"supported-cipher-suites" json:"supported_cipher_suites,omitempty"`
}

// ConnectionConfig groups the settings applied to one data loader.
type ConnectionConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Proxy   *ProxyConfig  `yaml:"proxy" json:"proxy,omitempty"`
	SSL     *SSLConfig    `yaml:"ssl" json:"ssl,omitempty"`
}

// SignatureConfig holds defaults used when signature parameters are left unset.
type SignatureConfig struct {
	DigestAlgorithm         string `yaml:"digest-algorithm" json:"digest_algorithm,omitempty"`
	DataFileDigestAlgorithm string `yaml:"data-file-digest-algorithm" json:"data_file_digest_algorithm,omitempty"`
	EncryptionAlgorithm     string `yaml:"encryption-algorithm" json:"encryption_algorithm,omitempty"`
	Profile                 string `yaml:"profile" json:"profile,omitempty"`

	// TimeMarkPolicyOID is the policy identifier that marks a time-mark signature.
	TimeMarkPolicyOID string `yaml:"tm-policy-oid" json:"tm_policy_oid,omitempty"`
	// EPESPolicyOID is the policy set on B_EPES signatures in BDOC containers.
	// It must differ from TimeMarkPolicyOID.
	EPESPolicyOID string `yaml:"epes-policy-oid" json:"epes_policy_oid,omitempty"`
}

// TSLConfig configures the trusted list hierarchy.
type TSLConfig struct {
	LOTLURL                string        `yaml:"lotl-url" json:"lotl_url,omitempty"`
	LOTLTruststorePath     string        `yaml:"lotl-truststore-path" json:"lotl_truststore_path,omitempty"`
	LOTLTruststoreType     string        `yaml:"lotl-truststore-type" json:"lotl_truststore_type,omitempty"`
	LOTLTruststorePassword string        `yaml:"lotl-truststore-password" json:"lotl_truststore_password,omitempty"`
	LOTLPivotSupport       *bool         `yaml:"lotl-pivot-support" json:"lotl_pivot_support,omitempty"`
	TrustedTerritories     []string      `yaml:"trusted-territories" json:"trusted_territories,omitempty"`
	CacheDir               string        `yaml:"cache-dir" json:"cache_dir,omitempty"`
	RefreshInterval        time.Duration `yaml:"refresh-interval" json:"refresh_interval,omitempty"`
	// ExpiryWarning is how long before NextUpdate an accepted list raises an
	// expiring-soon alert. Negative disables the alert.
	ExpiryWarning time.Duration `yaml:"expiry-warning" json:"expiry_warning,omitempty"`
}

// PivotSupport reports whether LOTL pivots are followed. Defaults to true.
func (c *TSLConfig) PivotSupport() bool {
	if c.LOTLPivotSupport == nil {
		return true
	}
	return *c.LOTLPivotSupport
}

// TSLRefreshSummary describes the outcome of one trusted list refresh.
// Accepted and Territories list the accepted territory lists.
type TSLRefreshSummary struct {
	LOTLURL      string
	LOTLValid    bool
	Accepted     []string
	Rejected     map[string]error
	Territories  []string
	Certificates int
	FinishedAt   time.Time
}

// TSLRefreshCallback decides whether a refreshed trust state is acceptable.
// Returning an error keeps the previous trust state in effect.
type TSLRefreshCallback func(summary *TSLRefreshSummary) error

// Configuration is the complete library configuration.
type Configuration struct {
	Mode Mode `yaml:"mode" json:"mode"`

	Logging   *LoggingConfig  `yaml:"logging" json:"logging,omitempty"`
	Signature SignatureConfig `yaml:"signature" json:"signature"`
	TSL       TSLConfig       `yaml:"tsl" json:"tsl"`

	OCSPSource string `yaml:"ocsp-source" json:"ocsp_source,omitempty"`
	TSPSource  string `yaml:"tsp-source" json:"tsp_source,omitempty"`

	Connections map[ConnectionPurpose]*ConnectionConfig `yaml:"connections" json:"connections,omitempty"`

	// TSLRefreshCallback overrides the mode-specific default callback.
	TSLRefreshCallback TSLRefreshCallback `yaml:"-" json:"-"`
}

// New returns a configuration for the given mode with defaults applied.
func New(mode Mode) *Configuration {
	c := &Configuration{Mode: mode}
	c.SetDefaults()
	return c
}

// IsTest reports whether the configuration runs in test mode.
func (c *Configuration) IsTest() bool {
	return c.Mode == ModeTest
}

// SetDefaults fills unset fields with mode-specific defaults.
func (c *Configuration) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeProd
	}
	c.Mode = Mode(strings.ToUpper(string(c.Mode)))

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()

	if c.Signature.TimeMarkPolicyOID == "" {
		c.Signature.TimeMarkPolicyOID = DefaultTimeMarkPolicyOID
	}
	if c.Signature.EPESPolicyOID == "" {
		c.Signature.EPESPolicyOID = DefaultEPESPolicyOID
	}

	if c.TSL.LOTLURL == "" {
		c.TSL.LOTLURL = pick(c.IsTest(), DefaultTestLOTLURL, DefaultProdLOTLURL)
	}
	if c.TSL.LOTLTruststoreType == "" {
		c.TSL.LOTLTruststoreType = DefaultTruststoreType
	}
	if c.TSL.LOTLTruststorePassword == "" {
		c.TSL.LOTLTruststorePassword = DefaultTruststorePassword
	}
	if c.TSL.CacheDir == "" {
		c.TSL.CacheDir = DefaultTSLCacheDir()
	}
	if c.TSL.ExpiryWarning == 0 {
		c.TSL.ExpiryWarning = DefaultTSLExpiryWarning
	}
	if c.TSL.RefreshInterval == 0 {
		c.TSL.RefreshInterval = DefaultRefreshInterval
	}
	for i, t := range c.TSL.TrustedTerritories {
		c.TSL.TrustedTerritories[i] = strings.ToUpper(strings.TrimSpace(t))
	}

	if c.OCSPSource == "" {
		c.OCSPSource = pick(c.IsTest(), DefaultTestOCSPSource, DefaultProdOCSPSource)
	}
	if c.TSPSource == "" {
		c.TSPSource = pick(c.IsTest(), DefaultTestTSPSource, DefaultProdTSPSource)
	}

	if c.Connections == nil {
		c.Connections = make(map[ConnectionPurpose]*ConnectionConfig)
	}
	for _, p := range Purposes {
		cc := c.Connections[p]
		if cc == nil {
			cc = &ConnectionConfig{}
			c.Connections[p] = cc
		}
		if cc.Timeout == 0 {
			cc.Timeout = DefaultConnectionTimeout
		}
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Configuration) Validate() error {
	switch c.Mode {
	case ModeProd, ModeTest:
	default:
		return NewConfigError("mode", fmt.Sprintf("unknown mode %q (must be PROD or TEST)", c.Mode))
	}
	if c.Signature.TimeMarkPolicyOID != "" && !OIDRegex.MatchString(c.Signature.TimeMarkPolicyOID) {
		return &ConfigError{Field: "signature.tm-policy-oid", Message: c.Signature.TimeMarkPolicyOID, Err: ErrInvalidOID}
	}
	if c.Signature.EPESPolicyOID != "" && !OIDRegex.MatchString(c.Signature.EPESPolicyOID) {
		return &ConfigError{Field: "signature.epes-policy-oid", Message: c.Signature.EPESPolicyOID, Err: ErrInvalidOID}
	}
	if c.Signature.EPESPolicyOID != "" && c.Signature.EPESPolicyOID == c.Signature.TimeMarkPolicyOID {
		return NewConfigError("signature.epes-policy-oid", "must differ from tm-policy-oid")
	}
	for purpose, cc := range c.Connections {
		if !isKnownPurpose(purpose) {
			return &ConfigError{Field: "connections", Message: string(purpose), Err: ErrUnknownPurpose}
		}
		if cc == nil {
			continue
		}
		if err := cc.Proxy.Validate(); err != nil {
			return err
		}
		if cc.SSL != nil && cc.SSL.Enabled && cc.SSL.KeystorePath == "" && cc.SSL.TruststorePath == "" {
			return NewConfigError(fmt.Sprintf("connections.%s.ssl", purpose), "ssl enabled without keystore or truststore")
		}
	}
	return nil
}

// Connection returns the settings for a purpose, never nil.
func (c *Configuration) Connection(purpose ConnectionPurpose) *ConnectionConfig {
	if cc, ok := c.Connections[purpose]; ok && cc != nil {
		return cc
	}
	return &ConnectionConfig{Timeout: DefaultConnectionTimeout}
}

func isKnownPurpose(p ConnectionPurpose) bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

func pick(test bool, testValue, prodValue string) string {
	if test {
		return testValue
	}
	return prodValue
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*Configuration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses configuration from YAML data, applies defaults and validates it.
func ParseConfig(data []byte) (*Configuration, error) {
	var config Configuration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}
