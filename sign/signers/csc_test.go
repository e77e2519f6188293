package signers

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cscService is a minimal remote signing service backed by a local key.
type cscService struct {
	ca     *testpki.Identity
	signer *testpki.Identity
	algos  []string

	authorizeCalls int
	lastPIN        string
	lastSignAlgo   string
}

func (s *cscService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token-1" {
		http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
		return
	}
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["credentialID"] != "cred-1" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	var resp any
	switch r.URL.Path {
	case "/csc/v1/credentials/info":
		resp = map[string]any{
			"cert": map[string]any{"certificates": []string{
				base64.StdEncoding.EncodeToString(s.signer.Cert.Raw),
				base64.StdEncoding.EncodeToString(s.ca.Cert.Raw),
			}},
			"key":  map[string]any{"algo": s.algos},
			"SCAL": "2",
		}
	case "/csc/v1/credentials/authorize":
		s.authorizeCalls++
		s.lastPIN, _ = req["PIN"].(string)
		resp = map[string]any{"SAD": "sad-1", "expiresIn": 300}
	case "/csc/v1/signatures/signHash":
		if req["SAD"] != "sad-1" {
			http.Error(w, `{"error":"invalid_sad"}`, http.StatusBadRequest)
			return
		}
		s.lastSignAlgo, _ = req["signAlgo"].(string)
		hashes := req["hash"].([]any)
		digest, _ := base64.StdEncoding.DecodeString(hashes[0].(string))
		h := crypto.SHA256
		if req["hashAlgo"] == "2.16.840.1.101.3.4.2.2" {
			h = crypto.SHA384
		}
		sig, err := s.signer.Key.Sign(rand.Reader, digest, h)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp = map[string]any{"signatures": []string{base64.StdEncoding.EncodeToString(sig)}}
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newCSCService(t *testing.T, kt testpki.KeyType) (*cscService, *CSCSession) {
	t.Helper()
	ca := testpki.NewRootCA(t, "Test Root")
	svc := &cscService{ca: ca, signer: ca.IssueLeaf(t, "remote signer", testpki.LeafOptions{KeyType: kt})}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	session := NewCSCSession(srv.URL+"/", "cred-1")
	session.OAuthToken = "token-1"
	return svc, session
}

func TestCSCSessionEndpointURL(t *testing.T) {
	s := NewCSCSession("https://csc.example.com/", "cred123")
	assert.Equal(t, "https://csc.example.com/csc/v1/credentials/info", s.EndpointURL("credentials/info"))
	s.APIVersion = "v2"
	assert.Equal(t, "https://csc.example.com/csc/v2/signatures/signHash", s.EndpointURL("signatures/signHash"))
}

func TestCSCToken(t *testing.T) {
	for _, kt := range []testpki.KeyType{testpki.ECDSAP256, testpki.RSA2048} {
		svc, session := newCSCService(t, kt)
		tok, err := NewCSCToken(context.Background(), session, WithPIN("1234"))
		require.NoError(t, err)
		assert.True(t, tok.Certificate().Equal(svc.signer.Cert))
		require.Len(t, tok.CertificateChain(), 1)
		assert.True(t, tok.info.HashPinningRequired)

		data := []byte("<ds:SignedInfo/>")
		sig, err := tok.Sign(context.Background(), crypto.SHA256, data)
		require.NoError(t, err)
		verifyValue(t, svc.signer.Cert, crypto.SHA256, data, sig)
		assert.Equal(t, "1234", svc.lastPIN)
		assert.Equal(t, 1, svc.authorizeCalls)

		signContainer(t, tok)
		assert.Equal(t, 2, svc.authorizeCalls)
	}
}

func TestCSCTokenSignAlgorithm(t *testing.T) {
	svc, session := newCSCService(t, testpki.ECDSAP384)
	tok, err := NewCSCToken(context.Background(), session)
	require.NoError(t, err)
	_, err = tok.Sign(context.Background(), crypto.SHA384, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.10045.4.3.3", svc.lastSignAlgo)

	svc.algos = []string{"1.2.840.10045.4.3.2"}
	tok, err = NewCSCToken(context.Background(), session)
	require.NoError(t, err)
	_, err = tok.Sign(context.Background(), crypto.SHA384, []byte("x"))
	assert.ErrorIs(t, err, ErrCSCUnsupportedAlgo)

	_, err = tok.Sign(context.Background(), crypto.SHA1, []byte("x"))
	assert.ErrorIs(t, err, ErrCSCUnsupportedAlgo)
}

func TestCSCTokenPrefetchedSAD(t *testing.T) {
	svc, session := newCSCService(t, testpki.ECDSAP256)
	clock := clockwork.NewFakeClock()
	tok, err := NewCSCToken(context.Background(), session,
		WithCSCClock(clock),
		WithPrefetchedSAD(&CSCAuthorization{SAD: "sad-1", ExpiresAt: clock.Now().Add(time.Minute)}))
	require.NoError(t, err)

	_, err = tok.Sign(context.Background(), crypto.SHA256, []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, svc.authorizeCalls)

	_, err = tok.Sign(context.Background(), crypto.SHA256, []byte("x"))
	assert.ErrorIs(t, err, ErrCSCSADUsed)

	tok, err = NewCSCToken(context.Background(), session,
		WithCSCClock(clock),
		WithPrefetchedSAD(&CSCAuthorization{SAD: "sad-1", ExpiresAt: clock.Now().Add(time.Minute)}))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = tok.Sign(context.Background(), crypto.SHA256, []byte("x"))
	assert.ErrorIs(t, err, ErrCSCSADExpired)
}

func TestCSCTokenErrors(t *testing.T) {
	_, session := newCSCService(t, testpki.ECDSAP256)

	session.OAuthToken = "expired"
	_, err := NewCSCToken(context.Background(), session)
	assert.ErrorIs(t, err, ErrCSCCredentialFailed)
	assert.Contains(t, err.Error(), "status 401")

	session.OAuthToken = "token-1"
	session.CredentialID = "other"
	_, err = NewCSCToken(context.Background(), session)
	assert.ErrorIs(t, err, ErrCSCCredentialFailed)
}

func TestParseCredentialInfo(t *testing.T) {
	var r credentialInfoResponse
	_, err := r.parse()
	assert.ErrorIs(t, err, ErrCSCInvalidResponse)

	r.Cert.Certificates = []string{"!!"}
	_, err = r.parse()
	assert.ErrorIs(t, err, ErrCSCInvalidResponse)

	r.Cert.Certificates = []string{base64.StdEncoding.EncodeToString([]byte("not a certificate"))}
	_, err = r.parse()
	assert.ErrorIs(t, err, ErrCSCInvalidResponse)
}
