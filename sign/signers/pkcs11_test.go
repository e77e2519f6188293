package signers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/internal/testpki"
	pkcs11 "github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	class uint
	label string
	id    []byte
	value []byte
	key   crypto.Signer
}

// fakeSession emulates a token holding certificates and private keys.
type fakeSession struct {
	objects []fakeObject
	found   []pkcs11.ObjectHandle
	mech    uint
	key     pkcs11.ObjectHandle
	signed  [][]byte
}

func (f *fakeSession) FindObjectsInit(_ pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	f.found = nil
	for i, o := range f.objects {
		if f.matches(o, temp) {
			f.found = append(f.found, pkcs11.ObjectHandle(i+1))
		}
	}
	return nil
}

func (f *fakeSession) matches(o fakeObject, temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		switch a.Type {
		case pkcs11.CKA_CLASS:
			if !bytes.Equal(a.Value, pkcs11.NewAttribute(pkcs11.CKA_CLASS, o.class).Value) {
				return false
			}
		case pkcs11.CKA_LABEL:
			if string(a.Value) != o.label {
				return false
			}
		case pkcs11.CKA_ID:
			if !bytes.Equal(a.Value, o.id) {
				return false
			}
		}
	}
	return true
}

func (f *fakeSession) FindObjects(_ pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	n := min(max, len(f.found))
	out := f.found[:n]
	f.found = f.found[n:]
	return out, false, nil
}

func (f *fakeSession) FindObjectsFinal(pkcs11.SessionHandle) error { return nil }

func (f *fakeSession) GetAttributeValue(_ pkcs11.SessionHandle, o pkcs11.ObjectHandle, _ []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	return []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VALUE, f.objects[o-1].value)}, nil
}

func (f *fakeSession) SignInit(_ pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mech, f.key = m[0].Mechanism, o
	return nil
}

func (f *fakeSession) Sign(_ pkcs11.SessionHandle, message []byte) ([]byte, error) {
	f.signed = append(f.signed, message)
	switch key := f.objects[f.key-1].key.(type) {
	case *ecdsa.PrivateKey:
		if f.mech != pkcs11.CKM_ECDSA {
			return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
		}
		r, s, err := ecdsa.Sign(rand.Reader, key, message)
		if err != nil {
			return nil, err
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		s.FillBytes(out[size:])
		return out, nil
	case *rsa.PrivateKey:
		if f.mech != pkcs11.CKM_RSA_PKCS {
			return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
		}
		return rsa.SignPKCS1v15(rand.Reader, key, 0, message)
	}
	return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
}

func newFakeToken(t *testing.T, kt testpki.KeyType) (*PKCS11Token, *fakeSession, *testpki.Identity, *testpki.Identity) {
	t.Helper()
	ca := testpki.NewRootCA(t, "Test Root")
	leaf := ca.IssueLeaf(t, "signer", testpki.LeafOptions{KeyType: kt})
	fake := &fakeSession{objects: []fakeObject{
		{class: pkcs11.CKO_CERTIFICATE, label: "Authentication", id: []byte{1}, value: ca.Cert.Raw},
		{class: pkcs11.CKO_CERTIFICATE, label: "Signature", id: []byte{2}, value: leaf.Cert.Raw},
		{class: pkcs11.CKO_PRIVATE_KEY, label: "Signature", id: []byte{2}, key: leaf.Key},
	}}
	tok := &PKCS11Token{ctx: fake, handle: 1}
	require.NoError(t, tok.load(&config.PKCS11Config{ModulePath: "opensc-pkcs11.so", CertLabel: "Signature"}))
	return tok, fake, ca, leaf
}

func TestPKCS11TokenLoad(t *testing.T) {
	tok, _, ca, leaf := newFakeToken(t, testpki.ECDSAP256)
	assert.True(t, tok.Certificate().Equal(leaf.Cert))
	require.Len(t, tok.CertificateChain(), 1)
	assert.True(t, tok.CertificateChain()[0].Equal(ca.Cert))
	assert.Equal(t, pkcs11.ObjectHandle(3), tok.keyHandle)
}

func TestPKCS11TokenLoadErrors(t *testing.T) {
	tok, fake, _, _ := newFakeToken(t, testpki.ECDSAP256)

	_, err := tok.pullCertificate("Missing", nil)
	assert.ErrorIs(t, err, ErrPKCS11NoCert)

	fake.objects = append(fake.objects, fake.objects[1])
	_, err = tok.pullCertificate("Signature", nil)
	assert.ErrorIs(t, err, ErrPKCS11MultipleCerts)

	_, err = tok.pullKeyHandle("", []byte{9})
	assert.ErrorIs(t, err, ErrPKCS11NoKey)
}

func TestPKCS11TokenSign(t *testing.T) {
	for _, kt := range []testpki.KeyType{testpki.ECDSAP256, testpki.ECDSAP384, testpki.RSA2048} {
		tok, fake, _, leaf := newFakeToken(t, kt)
		data := []byte("<ds:SignedInfo/>")
		sig, err := tok.Sign(context.Background(), crypto.SHA384, data)
		require.NoError(t, err)
		verifyValue(t, leaf.Cert, crypto.SHA384, data, sig)
		require.Len(t, fake.signed, 1)
		assert.NotEqual(t, data, fake.signed[0], "the token must receive a digest")

		signContainer(t, tok)
	}
}

func TestPKCS11TokenSignUnsupportedDigest(t *testing.T) {
	tok, _, _, _ := newFakeToken(t, testpki.ECDSAP256)
	_, err := tok.Sign(context.Background(), crypto.MD5, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}

func TestPKCS11TokenSignFailure(t *testing.T) {
	tok, fake, _, _ := newFakeToken(t, testpki.ECDSAP256)
	fake.objects[2].key = nil
	_, err := tok.Sign(context.Background(), crypto.SHA256, []byte("x"))
	assert.ErrorIs(t, err, ErrPKCS11SignFailed)
}

func TestWrapDigestInfo(t *testing.T) {
	digest := sha256.Sum256([]byte("x"))
	der, err := wrapDigestInfo(crypto.SHA256, digest[:])
	require.NoError(t, err)

	// The PKCS#1 v1.5 DigestInfo prefix for SHA-256.
	prefix := []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}
	assert.Equal(t, append(prefix, digest[:]...), der)

	_, err = wrapDigestInfo(crypto.MD5, digest[:])
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}

func TestEncodeECDSASignature(t *testing.T) {
	raw := append(bytes.Repeat([]byte{0}, 31), 1)
	raw = append(raw, append(bytes.Repeat([]byte{0}, 31), 2)...)
	der, err := encodeECDSASignature(raw)
	require.NoError(t, err)

	var sig struct{ R, S *big.Int }
	_, err = asn1.Unmarshal(der, &sig)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sig.R.Int64())
	assert.Equal(t, int64(2), sig.S.Int64())

	_, err = encodeECDSASignature([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = encodeECDSASignature(nil)
	assert.Error(t, err)
}

type fakeSlots map[uint]pkcs11.TokenInfo

func (f fakeSlots) GetTokenInfo(slot uint) (pkcs11.TokenInfo, error) {
	info, ok := f[slot]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return info, nil
}

func TestFindSlot(t *testing.T) {
	slots := fakeSlots{
		3: {Label: "PIN1 (ID card)      ", SerialNumber: "AB12    "},
		7: {Label: "PIN2 (ID card)      ", SerialNumber: "AB12    "},
	}
	ids := []uint{3, 7}
	idx := func(i int) *int { return &i }

	slot, err := findSlot(slots, ids, nil, &config.TokenCriteria{Label: "PIN2 (ID card)"})
	require.NoError(t, err)
	assert.Equal(t, uint(7), slot)

	slot, err = findSlot(slots, ids, idx(0), &config.TokenCriteria{Serial: "ab12"})
	require.NoError(t, err)
	assert.Equal(t, uint(3), slot)

	_, err = findSlot(slots, ids, idx(0), &config.TokenCriteria{Label: "PIN2 (ID card)"})
	assert.ErrorIs(t, err, ErrPKCS11NoToken)

	_, err = findSlot(slots, ids, idx(5), nil)
	assert.ErrorIs(t, err, ErrPKCS11NoToken)

	_, err = findSlot(slots, ids, nil, nil)
	assert.ErrorIs(t, err, ErrPKCS11NoToken)

	slot, err = findSlot(slots, ids[:1], nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(3), slot)

	_, err = findSlot(slots, nil, nil, nil)
	assert.ErrorIs(t, err, ErrPKCS11NoToken)

	_, err = findSlot(slots, ids, nil, &config.TokenCriteria{Label: "other"})
	assert.ErrorIs(t, err, ErrPKCS11NoToken)
}

func TestTrimPKCS11String(t *testing.T) {
	assert.Equal(t, "ESTEID", trimPKCS11String("ESTEID     "))
	assert.Equal(t, "ESTEID", trimPKCS11String("ESTEID\x00\x00"))
	assert.Equal(t, "", trimPKCS11String("   "))
}

func TestOpenPKCS11TokenValidatesConfig(t *testing.T) {
	_, err := OpenPKCS11Token(&config.PKCS11Config{})
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
