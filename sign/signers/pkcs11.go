package signers

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/sign"
	pkcs11 "github.com/miekg/pkcs11"
)

// PKCS#11 related errors
var (
	ErrPKCS11ModuleLoad     = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken        = errors.New("no matching token found")
	ErrPKCS11NoKey          = errors.New("private key not found")
	ErrPKCS11NoCert         = errors.New("certificate not found")
	ErrPKCS11MultipleKeys   = errors.New("multiple private keys found")
	ErrPKCS11MultipleCerts  = errors.New("multiple certificates found")
	ErrPKCS11SessionFailed  = errors.New("failed to open PKCS#11 session")
	ErrPKCS11LoginFailed    = errors.New("PKCS#11 login failed")
	ErrPKCS11SignFailed     = errors.New("PKCS#11 signing failed")
	ErrPKCS11UnsupportedAlg = errors.New("unsupported algorithm for PKCS#11")
)

var digestInfoOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// session is the part of a PKCS#11 module the token talks to.
// *pkcs11.Ctx implements it.
type session interface {
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// signatureOperation describes how to invoke a signature on the token.
type signatureOperation struct {
	mechanism *pkcs11.Mechanism
	pre       func([]byte) ([]byte, error)
	post      func([]byte) ([]byte, error)
}

// PKCS11Token signs with a key stored on a smart card or HSM. Digests are
// computed on the host and only the raw RSA or ECDSA operation runs on the
// token, which is what eID cards support.
type PKCS11Token struct {
	mu sync.Mutex

	ctx       session
	handle    pkcs11.SessionHandle
	closeFn   func() error
	keyHandle pkcs11.ObjectHandle
	cert      *x509.Certificate
	chain     []*x509.Certificate
}

// OpenPKCS11Token loads the module named in cfg, logs in and locates the
// signing key and certificate. Other certificates on the token become the
// chain.
func OpenPKCS11Token(cfg *config.PKCS11Config) (*PKCS11Token, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, cfg.ModulePath)
	}
	release := func() {
		ctx.Finalize()
		ctx.Destroy()
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to get slots: %w", err)
	}
	slot, err := findSlot(ctx, slots, cfg.SlotNo, cfg.TokenCriteria)
	if err != nil {
		release()
		return nil, err
	}

	sh, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrPKCS11SessionFailed, err)
	}
	// An empty PIN triggers protected authentication on PIN pad readers.
	if err := ctx.Login(sh, pkcs11.CKU_USER, cfg.UserPIN); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		_ = ctx.CloseSession(sh)
		release()
		return nil, fmt.Errorf("%w: %v", ErrPKCS11LoginFailed, err)
	}

	t := &PKCS11Token{
		ctx:    ctx,
		handle: sh,
		closeFn: func() error {
			err := ctx.CloseSession(sh)
			release()
			return err
		},
	}
	if err := t.load(cfg); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *PKCS11Token) load(cfg *config.PKCS11Config) error {
	certLabel, certID := cfg.EffectiveCert()
	cert, err := t.pullCertificate(certLabel, certID)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	keyLabel, keyID := cfg.EffectiveKey()
	key, err := t.pullKeyHandle(keyLabel, keyID)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	t.cert, t.keyHandle = cert, key

	others, err := t.pullAllCertificates()
	if err != nil {
		return err
	}
	for _, c := range others {
		if !c.Equal(cert) {
			t.chain = append(t.chain, c)
		}
	}
	return nil
}

// Close logs out and unloads the module.
func (t *PKCS11Token) Close() error {
	if t.closeFn == nil {
		return nil
	}
	fn := t.closeFn
	t.closeFn = nil
	return fn()
}

// Certificate returns the signing certificate read from the token.
func (t *PKCS11Token) Certificate() *x509.Certificate { return t.cert }

// CertificateChain returns the other certificates stored on the token.
func (t *PKCS11Token) CertificateChain() []*x509.Certificate { return t.chain }

// Sign hashes data with h and has the token sign the digest.
func (t *PKCS11Token) Sign(ctx context.Context, h crypto.Hash, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, err := selectOperation(t.cert, h)
	if err != nil {
		return nil, err
	}
	input := data
	if op.pre != nil {
		if input, err = op.pre(data); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ctx.SignInit(t.handle, []*pkcs11.Mechanism{op.mechanism}, t.keyHandle); err != nil {
		return nil, fmt.Errorf("%w: SignInit failed: %v", ErrPKCS11SignFailed, err)
	}
	sig, err := t.ctx.Sign(t.handle, input)
	if err != nil {
		return nil, fmt.Errorf("%w: Sign failed: %v", ErrPKCS11SignFailed, err)
	}
	if op.post != nil {
		return op.post(sig)
	}
	return sig, nil
}

func selectOperation(cert *x509.Certificate, h crypto.Hash) (*signatureOperation, error) {
	if _, ok := digestInfoOIDs[h]; !ok || !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	switch cert.PublicKeyAlgorithm {
	case x509.RSA:
		return &signatureOperation{
			mechanism: pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil),
			pre:       hashWithDigestInfo(h),
		}, nil
	case x509.ECDSA:
		return &signatureOperation{
			mechanism: pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil),
			pre:       hashFully(h),
			post:      encodeECDSASignature,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPKCS11UnsupportedAlg, cert.PublicKeyAlgorithm)
	}
}

func (t *PKCS11Token) findObjects(template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := t.ctx.FindObjectsInit(t.handle, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer t.ctx.FindObjectsFinal(t.handle)

	var out []pkcs11.ObjectHandle
	for {
		objs, _, err := t.ctx.FindObjects(t.handle, 10)
		if err != nil {
			return nil, fmt.Errorf("FindObjects failed: %w", err)
		}
		out = append(out, objs...)
		if len(objs) == 0 || (max > 0 && len(out) >= max) {
			return out, nil
		}
	}
}

func (t *PKCS11Token) readCertificate(obj pkcs11.ObjectHandle) (*x509.Certificate, error) {
	attrs, err := t.ctx.GetAttributeValue(t.handle, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, fmt.Errorf("certificate has no value")
	}
	return x509.ParseCertificate(attrs[0].Value)
}

func withIdentifiers(template []*pkcs11.Attribute, label string, id []byte) []*pkcs11.Attribute {
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	return template
}

func (t *PKCS11Token) pullCertificate(label string, id []byte) (*x509.Certificate, error) {
	objs, err := t.findObjects(withIdentifiers([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}, label, id), 2)
	if err != nil {
		return nil, err
	}
	switch len(objs) {
	case 0:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoCert, label, hex.EncodeToString(id))
	case 1:
		return t.readCertificate(objs[0])
	default:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11MultipleCerts, label, hex.EncodeToString(id))
	}
}

func (t *PKCS11Token) pullKeyHandle(label string, id []byte) (pkcs11.ObjectHandle, error) {
	objs, err := t.findObjects(withIdentifiers([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}, label, id), 2)
	if err != nil {
		return 0, err
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoKey, label, hex.EncodeToString(id))
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11MultipleKeys, label, hex.EncodeToString(id))
	}
}

// pullAllCertificates reads every certificate on the token. Unreadable
// objects are skipped.
func (t *PKCS11Token) pullAllCertificates() ([]*x509.Certificate, error) {
	objs, err := t.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}, 0)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, obj := range objs {
		if cert, err := t.readCertificate(obj); err == nil {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func hashFully(h crypto.Hash) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		d := h.New()
		d.Write(data)
		return d.Sum(nil), nil
	}
}

func hashWithDigestInfo(h crypto.Hash) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		d := h.New()
		d.Write(data)
		return wrapDigestInfo(h, d.Sum(nil))
	}
}

// wrapDigestInfo wraps a digest in a PKCS#1 DigestInfo structure.
func wrapDigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestInfoOIDs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue `asn1:"optional"`
	}
	return asn1.Marshal(struct {
		DigestAlgorithm algorithmIdentifier
		Digest          []byte
	}{
		DigestAlgorithm: algorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		Digest:          digest,
	})
}

// encodeECDSASignature encodes an ECDSA signature (r||s) to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

// tokenInfo is the subset of a slot lookup the slot selection needs.
type tokenInfo interface {
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
}

// findSlot picks the slot by index, by token criteria, or the only slot.
func findSlot(ctx tokenInfo, slots []uint, slotNo *int, criteria *config.TokenCriteria) (uint, error) {
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens available", ErrPKCS11NoToken)
	}
	if slotNo != nil {
		if *slotNo < 0 || *slotNo >= len(slots) {
			return 0, fmt.Errorf("%w: slot %d not found (only %d slots available)", ErrPKCS11NoToken, *slotNo, len(slots))
		}
		slot := slots[*slotNo]
		if !criteria.IsEmpty() {
			info, err := ctx.GetTokenInfo(slot)
			if err != nil {
				return 0, fmt.Errorf("failed to get token info: %w", err)
			}
			if !tokenMatchesCriteria(info, criteria) {
				return 0, fmt.Errorf("%w: token in slot %d does not match %s", ErrPKCS11NoToken, *slotNo, criteria)
			}
		}
		return slot, nil
	}
	if criteria.IsEmpty() {
		if len(slots) > 1 {
			return 0, fmt.Errorf("%w: multiple tokens available; specify slot number or token criteria", ErrPKCS11NoToken)
		}
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if tokenMatchesCriteria(info, criteria) {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: no token matching %s", ErrPKCS11NoToken, criteria)
}

func tokenMatchesCriteria(info pkcs11.TokenInfo, criteria *config.TokenCriteria) bool {
	if criteria.IsEmpty() {
		return true
	}
	if criteria.Label != "" && trimPKCS11String(info.Label) != criteria.Label {
		return false
	}
	if criteria.Serial != "" && !strings.EqualFold(trimPKCS11String(info.SerialNumber), criteria.Serial) {
		return false
	}
	return true
}

// trimPKCS11String trims the space padding of PKCS#11 fixed-size strings.
func trimPKCS11String(s string) string {
	return strings.TrimRight(s, " \x00")
}

var _ sign.SignatureToken = (*PKCS11Token)(nil)
