package timestamps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyTimeStamper(t *testing.T) {
	ca := testpki.NewRootCA(t, "TSA Root")
	tsa := testpki.NewTSA(t, ca)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d := NewDummyTimeStamper(tsa.Cert, tsa.Key).WithClock(clockwork.NewFakeClockAt(at))
	token, err := d.Timestamp(context.Background(), []byte("signature value"))
	require.NoError(t, err)

	assert.True(t, token.Time.Equal(at))
	assert.True(t, token.Policy.Equal(DefaultDummyPolicy))
	require.NotNil(t, token.SignerCertificate())
	assert.True(t, token.SignerCertificate().Equal(tsa.Cert))
	assert.NoError(t, token.Verify([]byte("signature value")))
	assert.ErrorIs(t, token.Verify([]byte("other")), ErrTimestampMismatch)

	parsed, err := VerifyTimestamp(token.Raw, []byte("signature value"))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(token))
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken([]byte("not a token"))
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	_, err = ParseResponse([]byte{0x30, 0x05, 0x30, 0x03, 0x02, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrTimestampRejected)
}

func TestHTTPTimestamper(t *testing.T) {
	ca := testpki.NewRootCA(t, "TSA Root")
	srv := testpki.TSAServer(t, testpki.NewTSA(t, ca))

	ts := NewHTTPTimestamper(srv.URL, srv.Client())
	token, err := ts.Timestamp(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.NotEmpty(t, token.Raw)
	assert.NotNil(t, token.Nonce)
	assert.WithinDuration(t, time.Now(), token.Time, time.Minute)
}

func TestHTTPTimestamperErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL, srv.Client()).Timestamp(context.Background(), []byte("data"))
	assert.ErrorIs(t, err, ErrTimestampFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewHTTPTimestamper(srv.URL, srv.Client()).Timestamp(ctx, []byte("data"))
	assert.ErrorIs(t, err, ErrTimestampFailed)
}
