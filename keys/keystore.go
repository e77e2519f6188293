package keys

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// Keystore errors
var (
	ErrKeyStoreNotFound    = errors.New("keystore not found")
	ErrUnsupportedKeyStore = errors.New("unsupported keystore type")
	ErrEmptyKeyStore       = errors.New("keystore contains no certificates")
)

// Keystore types understood by LoadKeyStore.
const (
	KeyStorePKCS12 = "PKCS12"
	KeyStorePEM    = "PEM"
	KeyStoreDER    = "DER"
)

// certificate file extensions picked up by LoadCertsFromDir
var certExtensions = map[string]bool{
	".crt": true,
	".cer": true,
	".pem": true,
	".der": true,
}

// PKCS12Credential holds a certificate and key loaded from a PKCS#12 file.
type PKCS12Credential struct {
	Certificate *x509.Certificate
	PrivateKey  PrivateKey
	CACerts     []*x509.Certificate
}

// Chain returns the signing certificate followed by the CA certificates.
func (c *PKCS12Credential) Chain() []*x509.Certificate {
	return append([]*x509.Certificate{c.Certificate}, c.CACerts...)
}

// LoadKeyStore reads the certificates of a keystore file. An unreadable path
// fails with ErrKeyStoreNotFound.
func LoadKeyStore(path, storeType, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyStoreNotFound, path, err)
	}
	return ParseKeyStore(data, storeType, password)
}

// ParseKeyStore decodes keystore bytes of the given type.
func ParseKeyStore(data []byte, storeType, password string) ([]*x509.Certificate, error) {
	switch normalizeStoreType(storeType) {
	case KeyStorePKCS12:
		certs, err := pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			// A keystore with a private key is not a trust store; take its chain instead.
			_, cert, cas, chainErr := pkcs12.DecodeChain(data, password)
			if chainErr != nil {
				return nil, fmt.Errorf("failed to decode PKCS#12 keystore: %w", err)
			}
			certs = append([]*x509.Certificate{cert}, cas...)
		}
		if len(certs) == 0 {
			return nil, ErrEmptyKeyStore
		}
		return certs, nil
	case KeyStorePEM, KeyStoreDER:
		return LoadCertsFromPemDerData(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyStore, storeType)
	}
}

// LoadPKCS12Credential loads a signing key with its chain from a PKCS#12 file.
func LoadPKCS12Credential(path, password string) (*PKCS12Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyStoreNotFound, path, err)
	}
	return ParsePKCS12Credential(data, password)
}

// ParsePKCS12Credential decodes a PKCS#12 blob holding a private key.
func ParsePKCS12Credential(data []byte, password string) (*PKCS12Credential, error) {
	key, cert, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 credential: %w", err)
	}
	signer, err := toPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &PKCS12Credential{Certificate: cert, PrivateKey: signer, CACerts: cas}, nil
}

// LoadCertsFromDir loads every certificate file in dir, in file name order.
// Subdirectories and files with other extensions are ignored.
func LoadCertsFromDir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !certExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, filepath.Join(dir, e.Name()))
	}
	sort.Strings(names)
	return LoadCertsFromPemDerFiles(names)
}

func normalizeStoreType(t string) string {
	switch strings.ToUpper(strings.ReplaceAll(t, "#", "")) {
	case "", "PKCS12", "P12", "PFX":
		return KeyStorePKCS12
	case "PEM":
		return KeyStorePEM
	case "DER", "CER", "CRT":
		return KeyStoreDER
	default:
		return strings.ToUpper(t)
	}
}
