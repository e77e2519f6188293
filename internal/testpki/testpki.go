// Package testpki generates throwaway certificate hierarchies, OCSP responders
// and timestamp authorities for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"
	"software.sslmate.com/src/go-pkcs12"
)

// KeyType selects the key algorithm of generated certificates.
type KeyType int

const (
	ECDSAP256 KeyType = iota
	ECDSAP384
	RSA2048
)

var serial = struct {
	sync.Mutex
	n int64
}{n: 1000}

func nextSerial() *big.Int {
	serial.Lock()
	defer serial.Unlock()
	serial.n++
	return big.NewInt(serial.n)
}

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// GenerateKey creates a private key of the given type.
func GenerateKey(t testing.TB, kt KeyType) crypto.Signer {
	t.Helper()
	var (
		k   crypto.Signer
		err error
	)
	switch kt {
	case ECDSAP384:
		k, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case RSA2048:
		k, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		k, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func subjectKeyID(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:]
}

// NewRootCA creates a self-signed CA.
func NewRootCA(t testing.TB, cn string) *Identity {
	t.Helper()
	key := GenerateKey(t, ECDSAP256)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Trust"}, Country: []string{"EE"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(key.Public()),
	}
	return sign(t, tmpl, tmpl, key.Public(), key, key)
}

// IssueCA creates an intermediate CA signed by ca.
func (ca *Identity) IssueCA(t testing.TB, cn string) *Identity {
	t.Helper()
	key := GenerateKey(t, ECDSAP256)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Trust"}, Country: []string{"EE"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(key.Public()),
	}
	return sign(t, tmpl, ca.Cert, key.Public(), ca.Key, key)
}

// LeafOptions tweaks issued end-entity certificates.
type LeafOptions struct {
	KeyType     KeyType
	OCSPServer  string
	IssuerURL   string
	ExtKeyUsage []x509.ExtKeyUsage
	Surname     string
	GivenName   string
}

// IssueLeaf creates an end-entity certificate signed by ca.
func (ca *Identity) IssueLeaf(t testing.TB, cn string, opts LeafOptions) *Identity {
	t.Helper()
	key := GenerateKey(t, opts.KeyType)
	subject := pkix.Name{CommonName: cn, Country: []string{"EE"}, SerialNumber: "PNOEE-38001085718"}
	if opts.Surname != "" || opts.GivenName != "" {
		subject.ExtraNames = []pkix.AttributeTypeAndValue{
			{Type: asn1.ObjectIdentifier{2, 5, 4, 4}, Value: opts.Surname},
			{Type: asn1.ObjectIdentifier{2, 5, 4, 42}, Value: opts.GivenName},
		}
	}
	tmpl := &x509.Certificate{
		SerialNumber:   nextSerial(),
		Subject:        subject,
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:    opts.ExtKeyUsage,
		AuthorityKeyId: ca.Cert.SubjectKeyId,
		SubjectKeyId:   subjectKeyID(key.Public()),
	}
	if opts.OCSPServer != "" {
		tmpl.OCSPServer = []string{opts.OCSPServer}
	}
	if opts.IssuerURL != "" {
		tmpl.IssuingCertificateURL = []string{opts.IssuerURL}
	}
	return sign(t, tmpl, ca.Cert, key.Public(), ca.Key, key)
}

func sign(t testing.TB, tmpl, parent *x509.Certificate, pub crypto.PublicKey, parentKey, key crypto.Signer) *Identity {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Identity{Cert: cert, Key: key}
}

// PKCS12TrustStore encodes certs as a password protected PKCS#12 trust store.
func PKCS12TrustStore(t testing.TB, password string, certs ...*x509.Certificate) []byte {
	t.Helper()
	data, err := pkcs12.Modern.EncodeTrustStore(certs, password)
	if err != nil {
		t.Fatalf("encode trust store: %v", err)
	}
	return data
}

// PKCS12KeyStore encodes id and its CA chain as a PKCS#12 keystore.
func PKCS12KeyStore(t testing.TB, password string, id *Identity, cas ...*x509.Certificate) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, cas, password)
	if err != nil {
		t.Fatalf("encode keystore: %v", err)
	}
	return data
}

// OCSPResponder answers OCSP requests for certificates issued by Issuer.
type OCSPResponder struct {
	Issuer *Identity

	mu      sync.Mutex
	revoked map[string]time.Time
	status  int
	hits    int
	down    bool
}

// NewOCSPResponder starts an httptest OCSP responder. The server is closed on test cleanup.
func NewOCSPResponder(t testing.TB, issuer *Identity) (*OCSPResponder, *httptest.Server) {
	t.Helper()
	r := &OCSPResponder{Issuer: issuer, revoked: make(map[string]time.Time), status: ocsp.Good}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

// Revoke marks serial as revoked.
func (r *OCSPResponder) Revoke(serial *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[serial.String()] = time.Now().Add(-time.Minute)
}

// ReportUnknown makes the responder answer Unknown for every certificate.
func (r *OCSPResponder) ReportUnknown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = ocsp.Unknown
}

// SetUnavailable makes the responder answer with HTTP 503.
func (r *OCSPResponder) SetUnavailable(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// Hits returns the number of requests served.
func (r *OCSPResponder) Hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

func (r *OCSPResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits++
	unavailable := r.down
	r.mu.Unlock()
	if unavailable {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var exts []pkix.Extension
	if nonce := requestNonceExtension(body); nonce != nil {
		exts = append(exts, *nonce)
	}
	resp, err := r.Respond(ocspReq.SerialNumber, exts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(resp)
}

var oidOCSPNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// requestNonceExtension returns the nonce extension of a DER OCSP request so
// that it can be echoed back.
func requestNonceExtension(der []byte) *pkix.Extension {
	var req struct {
		TBSRequest struct {
			Version     int `asn1:"explicit,tag:0,default:0,optional"`
			RequestList []asn1.RawValue
			Extensions  []pkix.Extension `asn1:"explicit,tag:2,optional"`
		}
	}
	if _, err := asn1.Unmarshal(der, &req); err != nil {
		return nil
	}
	for _, ext := range req.TBSRequest.Extensions {
		if ext.Id.Equal(oidOCSPNonce) {
			return &pkix.Extension{Id: ext.Id, Value: ext.Value}
		}
	}
	return nil
}

// Respond builds a signed OCSP response for serial.
func (r *OCSPResponder) Respond(serial *big.Int, extensions []pkix.Extension) ([]byte, error) {
	r.mu.Lock()
	tmpl := ocsp.Response{
		Status:          r.status,
		SerialNumber:    serial,
		ThisUpdate:      time.Now().Add(-time.Minute),
		NextUpdate:      time.Now().Add(time.Hour),
		ExtraExtensions: extensions,
	}
	if at, ok := r.revoked[serial.String()]; ok {
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = at
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	r.mu.Unlock()
	return ocsp.CreateResponse(r.Issuer.Cert, r.Issuer.Cert, tmpl, r.Issuer.Key)
}

// NewTSA creates a timestamp authority identity under ca.
func NewTSA(t testing.TB, ca *Identity) *Identity {
	t.Helper()
	return ca.IssueLeaf(t, "Test TSA", LeafOptions{
		KeyType:     ECDSAP256,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
}

// TSAServer serves RFC 3161 requests signed by TSA.
func TSAServer(t testing.TB, tsa *Identity) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tsReq, err := timestamp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts := &timestamp.Timestamp{
			HashAlgorithm:     tsReq.HashAlgorithm,
			HashedMessage:     tsReq.HashedMessage,
			Time:              time.Now().UTC(),
			Nonce:             tsReq.Nonce,
			SerialNumber:      big.NewInt(time.Now().UnixNano()),
			Policy:            asn1.ObjectIdentifier{1, 2, 3, 4, 1},
			Ordering:          false,
			AddTSACertificate: true,
		}
		resp, err := ts.CreateResponseWithOpts(tsa.Cert, tsa.Key, crypto.SHA256)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}
