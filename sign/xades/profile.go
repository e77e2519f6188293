package xades

import (
	"crypto"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the signature profile of a finalized signature.
type Profile int

const (
	ProfileUnknown Profile = iota
	ProfileBES
	ProfileEPES
	ProfileTimeMark
	ProfileLT
	ProfileLTA
)

var profileNames = map[Profile]string{
	ProfileBES:      "B_BES",
	ProfileEPES:     "B_EPES",
	ProfileTimeMark: "LT_TM",
	ProfileLT:       "LT",
	ProfileLTA:      "LTA",
}

func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseProfile parses a profile name. T and A are accepted as aliases of LT
// and LTA.
func ParseProfile(s string) (Profile, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "T":
		return ProfileLT, nil
	case "A":
		return ProfileLTA, nil
	}
	for p, n := range profileNames {
		if n == name {
			return p, nil
		}
	}
	return ProfileUnknown, fmt.Errorf("unknown signature profile %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Profile) UnmarshalText(text []byte) error {
	parsed, err := ParseProfile(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Profile) UnmarshalYAML(node *yaml.Node) error {
	return p.UnmarshalText([]byte(node.Value))
}

// NeedsTimestamp reports whether finalization requests a signature timestamp.
func (p Profile) NeedsTimestamp() bool {
	return p == ProfileLT || p == ProfileLTA
}

// NeedsRevocationValues reports whether finalization embeds OCSP responses.
func (p Profile) NeedsRevocationValues() bool {
	return p == ProfileLT || p == ProfileLTA || p == ProfileTimeMark
}

// Level is the baseline level found in a parsed signature.
type Level int

const (
	LevelB Level = iota
	LevelT
	LevelLT
	LevelLTA
	// LevelA is an archive level reached with a XAdES 1.3.2 ArchiveTimeStamp.
	LevelA
)

func (l Level) String() string {
	switch l {
	case LevelT:
		return "XAdES-BASELINE-T"
	case LevelLT:
		return "XAdES-BASELINE-LT"
	case LevelLTA:
		return "XAdES-BASELINE-LTA"
	case LevelA:
		return "XAdES-A"
	default:
		return "XAdES-BASELINE-B"
	}
}

// EncryptionAlgorithm is the public key algorithm of the signer.
type EncryptionAlgorithm string

const (
	EncryptionRSA   EncryptionAlgorithm = "RSA"
	EncryptionECDSA EncryptionAlgorithm = "ECDSA"
)

// ParseEncryptionAlgorithm parses RSA or ECDSA. The empty string is returned
// unchanged so callers can infer the algorithm from the certificate.
func ParseEncryptionAlgorithm(s string) (EncryptionAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "RSA":
		return EncryptionRSA, nil
	case "ECDSA", "EC":
		return EncryptionECDSA, nil
	}
	return "", fmt.Errorf("unknown encryption algorithm %q", s)
}

var hashNames = map[string]crypto.Hash{
	"SHA1":   crypto.SHA1,
	"SHA224": crypto.SHA224,
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// ParseDigestAlgorithm parses names such as SHA256 or SHA-256. The empty
// string yields 0.
func ParseDigestAlgorithm(s string) (crypto.Hash, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if name == "" {
		return 0, nil
	}
	if h, ok := hashNames[name]; ok {
		return h, nil
	}
	return 0, fmt.Errorf("unknown digest algorithm %q", s)
}

// TechnicalError reports a structural failure while processing a signature.
type TechnicalError struct {
	Op  string
	Err error
}

func (e *TechnicalError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TechnicalError) Unwrap() error { return e.Err }
