package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenType selects where the signing key lives.
type TokenType string

const (
	TokenPKCS12 TokenType = "pkcs12"
	TokenPKCS11 TokenType = "pkcs11"
	TokenPemDer TokenType = "pemder"
	TokenCSC    TokenType = "csc"
)

// TokenCriteria defines search criteria for finding a PKCS#11 token.
type TokenCriteria struct {
	// Label is the token label to match. If empty, no label constraint is applied.
	Label string `yaml:"label" json:"label,omitempty"`

	// Serial is the token serial number as hex. If empty, no serial constraint is applied.
	Serial string `yaml:"serial" json:"serial,omitempty"`
}

// IsEmpty returns true if no criteria are specified.
func (c *TokenCriteria) IsEmpty() bool {
	return c == nil || (c.Label == "" && c.Serial == "")
}

// String returns a string representation of the criteria.
func (c *TokenCriteria) String() string {
	if c.IsEmpty() {
		return "<no criteria>"
	}
	var parts []string
	if c.Label != "" {
		parts = append(parts, fmt.Sprintf("label=%q", c.Label))
	}
	if c.Serial != "" {
		parts = append(parts, "serial="+strings.ToLower(c.Serial))
	}
	return fmt.Sprintf("TokenCriteria{%s}", strings.Join(parts, ", "))
}

// PKCS11Config contains configuration for signing with a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 module shared object (.so/.dylib/.dll).
	ModulePath string `yaml:"module-path" json:"module_path"`

	// SlotNo is the slot index to use. If nil, the token is found by criteria.
	SlotNo *int `yaml:"slot-no" json:"slot_no,omitempty"`

	TokenCriteria *TokenCriteria `yaml:"token-criteria" json:"token_criteria,omitempty"`

	CertLabel string `yaml:"cert-label" json:"cert_label,omitempty"`
	CertID    string `yaml:"cert-id" json:"cert_id,omitempty"`
	KeyLabel  string `yaml:"key-label" json:"key_label,omitempty"`
	KeyID     string `yaml:"key-id" json:"key_id,omitempty"`

	UserPIN string `yaml:"user-pin" json:"user_pin,omitempty"`
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11Config) Validate() error {
	if c.ModulePath == "" {
		return NewConfigError("module-path", "PKCS#11 module path is required")
	}
	if c.KeyID == "" && c.KeyLabel == "" && c.CertID == "" && c.CertLabel == "" {
		return NewConfigError("", "at least one of key-id, key-label, cert-label, or cert-id must be provided")
	}
	for field, v := range map[string]string{"cert-id": c.CertID, "key-id": c.KeyID} {
		if _, err := hex.DecodeString(v); err != nil {
			return &ConfigError{Field: field, Message: "must be hex encoded", Err: err}
		}
	}
	return nil
}

// EffectiveKey returns the key label and ID, defaulting to the certificate identifiers.
func (c *PKCS11Config) EffectiveKey() (string, []byte) {
	if c.KeyLabel == "" && c.KeyID == "" {
		return c.CertLabel, decodeHex(c.CertID)
	}
	return c.KeyLabel, decodeHex(c.KeyID)
}

// EffectiveCert returns the certificate label and ID, defaulting to the key identifiers.
func (c *PKCS11Config) EffectiveCert() (string, []byte) {
	if c.CertLabel == "" && c.CertID == "" {
		return c.KeyLabel, decodeHex(c.KeyID)
	}
	return c.CertLabel, decodeHex(c.CertID)
}

func decodeHex(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// TokenConfig selects and configures the signature token used by the CLI.
type TokenConfig struct {
	Type TokenType `yaml:"type" json:"type"`

	// PKCS12 keystore path and password.
	Path     string `yaml:"path" json:"path,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`

	// PEM/DER certificate and key.
	CertFile string `yaml:"cert-file" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key-file" json:"key_file,omitempty"`

	PKCS11 *PKCS11Config `yaml:"pkcs11" json:"pkcs11,omitempty"`
	CSC    *CSCConfig    `yaml:"csc" json:"csc,omitempty"`
}

// CSCConfig names a credential of a remote signing service.
type CSCConfig struct {
	ServiceURL   string `yaml:"service-url" json:"service_url"`
	CredentialID string `yaml:"credential-id" json:"credential_id"`
	OAuthToken   string `yaml:"oauth-token" json:"oauth_token,omitempty"`
	PIN          string `yaml:"pin" json:"pin,omitempty"`
	OTP          string `yaml:"otp" json:"otp,omitempty"`
}

// Validate validates the token configuration.
func (c *TokenConfig) Validate() error {
	switch c.Type {
	case TokenPKCS12:
		if c.Path == "" {
			return NewConfigError("path", "keystore path is required")
		}
	case TokenPemDer:
		if c.CertFile == "" || c.KeyFile == "" {
			return NewConfigError("cert-file", "cert-file and key-file are required")
		}
	case TokenPKCS11:
		if c.PKCS11 == nil {
			return NewConfigError("pkcs11", "PKCS#11 settings are required")
		}
		return c.PKCS11.Validate()
	case TokenCSC:
		if c.CSC == nil || c.CSC.ServiceURL == "" || c.CSC.CredentialID == "" {
			return NewConfigError("csc", "service-url and credential-id are required")
		}
	default:
		return NewConfigError("type", fmt.Sprintf("unknown token type %q", c.Type))
	}
	return nil
}
