package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCriteria(t *testing.T) {
	var nilCriteria *TokenCriteria
	assert.True(t, nilCriteria.IsEmpty())
	assert.Equal(t, "<no criteria>", nilCriteria.String())

	c := &TokenCriteria{Label: "ID card", Serial: "ABCD"}
	assert.False(t, c.IsEmpty())
	assert.Equal(t, `TokenCriteria{label="ID card", serial=abcd}`, c.String())
}

func TestPKCS11ConfigValidate(t *testing.T) {
	assert.Error(t, (&PKCS11Config{}).Validate())
	assert.Error(t, (&PKCS11Config{ModulePath: "/lib/opensc.so"}).Validate())
	assert.Error(t, (&PKCS11Config{ModulePath: "/lib/opensc.so", KeyID: "zz"}).Validate())
	assert.NoError(t, (&PKCS11Config{ModulePath: "/lib/opensc.so", CertLabel: "Signature"}).Validate())
}

func TestPKCS11EffectiveIdentifiers(t *testing.T) {
	c := &PKCS11Config{ModulePath: "m", CertLabel: "sig", CertID: "01"}
	label, id := c.EffectiveKey()
	assert.Equal(t, "sig", label)
	assert.Equal(t, []byte{0x01}, id)

	c = &PKCS11Config{ModulePath: "m", KeyLabel: "key"}
	label, id = c.EffectiveCert()
	assert.Equal(t, "key", label)
	assert.Nil(t, id)
}

func TestTokenConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TokenConfig
		wantErr bool
	}{
		{"pkcs12 ok", TokenConfig{Type: TokenPKCS12, Path: "signer.p12"}, false},
		{"pkcs12 missing path", TokenConfig{Type: TokenPKCS12}, true},
		{"pemder ok", TokenConfig{Type: TokenPemDer, CertFile: "c.pem", KeyFile: "k.pem"}, false},
		{"pemder missing key", TokenConfig{Type: TokenPemDer, CertFile: "c.pem"}, true},
		{"pkcs11 missing", TokenConfig{Type: TokenPKCS11}, true},
		{"pkcs11 ok", TokenConfig{Type: TokenPKCS11, PKCS11: &PKCS11Config{ModulePath: "m", KeyLabel: "k"}}, false},
		{"csc ok", TokenConfig{Type: TokenCSC, CSC: &CSCConfig{ServiceURL: "https://rs.example", CredentialID: "c1"}}, false},
		{"csc missing credential", TokenConfig{Type: TokenCSC, CSC: &CSCConfig{ServiceURL: "https://rs.example"}}, true},
		{"unknown", TokenConfig{Type: "hsm"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
