package cli

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/georgepadayatti/goasic/sign/ades"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir      string
	ocspURL  string
	caFile   string
	certFile string
	keyFile  string
	dataFile string
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca := testpki.NewRootCA(t, "Test Root")
	leaf := ca.IssueLeaf(t, "SIGNER,TEST,38001085718", testpki.LeafOptions{Surname: "SIGNER", GivenName: "TEST"})
	_, srv := testpki.NewOCSPResponder(t, ca)

	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		ocspURL:  srv.URL,
		caFile:   filepath.Join(dir, "ca.pem"),
		certFile: filepath.Join(dir, "cert.pem"),
		keyFile:  filepath.Join(dir, "key.pem"),
		dataFile: filepath.Join(dir, "test.pdf"),
	}
	writePEM(t, f.caFile, "CERTIFICATE", ca.Cert.Raw)
	writePEM(t, f.certFile, "CERTIFICATE", leaf.Cert.Raw)
	key, err := x509.MarshalPKCS8PrivateKey(leaf.Key)
	require.NoError(t, err)
	writePEM(t, f.keyFile, "PRIVATE KEY", key)
	require.NoError(t, os.WriteFile(f.dataFile, []byte("hello world"), 0o600))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--mode", "TEST", "--ocsp-url", f.ocspURL, "--log-level", "error"}, args...)
	code := Execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (f *fixture) sign(t *testing.T, out string) {
	t.Helper()
	code, stdout, stderr := f.run(t, "sign", "--token", "pemder",
		"--cert", f.certFile, "--key", f.keyFile, "--profile", "B_BES", "--role", "Approver",
		out, f.dataFile)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "(B_BES) added to "+out)
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	code := Execute([]string{"version"}, &stdout, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "goasic version dev")
}

func TestSignCreatesContainer(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out.bdoc")
	f.sign(t, out)

	c, err := container.OpenFile(out)
	require.NoError(t, err)
	assert.Equal(t, container.TypeBDOC, c.Type())
	require.Len(t, c.DataFiles(), 1)
	assert.Equal(t, "test.pdf", c.DataFiles()[0].Name)
	assert.Equal(t, "application/pdf", c.DataFiles()[0].MediaType)
	assert.Len(t, c.Signatures(), 1)

	// A second signature goes into the existing container.
	code, _, stderr := f.run(t, "sign", "--token", "pemder",
		"--cert", f.certFile, "--key", f.keyFile, "--profile", "B_BES", out)
	require.Equal(t, 0, code, stderr)
	c, err = container.OpenFile(out)
	require.NoError(t, err)
	assert.Len(t, c.Signatures(), 2)

	code, _, stderr = f.run(t, "sign", "--token", "pemder",
		"--cert", f.certFile, "--key", f.keyFile, out, f.dataFile)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already exists")
}

func TestSignRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out.asice")

	code, _, stderr := f.run(t, "sign", "--token", "pemder", "--cert", f.certFile, "--key", f.keyFile, "--profile", "XL", out, f.dataFile)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown signature profile")

	code, _, stderr = f.run(t, "sign", "--token", "pemder", out, f.dataFile)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "cert-file")

	code, _, _ = f.run(t, "sign", "--token", "pemder", "--cert", f.certFile, "--key", f.keyFile, out)
	assert.Equal(t, 1, code)
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out.asice")
	f.sign(t, out)

	t.Run("json", func(t *testing.T) {
		code, stdout, stderr := f.run(t, "verify", "--trust-roots", f.caFile, "--format", "json", out)
		require.Equal(t, 0, code, stderr)

		var report ades.ContainerReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, ades.IndicationTotalPassed, report.Indication)
		assert.Equal(t, "out.asice", report.DocumentName)
		require.Len(t, report.Signatures, 1)
		assert.Equal(t, "SIGNER,TEST,PNOEE-38001085718", report.Signatures[0].SignedBy)
	})

	t.Run("text", func(t *testing.T) {
		code, stdout, _ := f.run(t, "verify", "--trust-roots", f.caFile, "-v", out)
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, "Signature #1")
		assert.Contains(t, stdout, "[OK] TOTAL_PASSED")
		assert.Contains(t, stdout, "Certificate Chain:")
	})

	t.Run("xml", func(t *testing.T) {
		code, stdout, _ := f.run(t, "verify", "--trust-roots", f.caFile, "--format", "xml", out)
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, "<SimpleReport>")
	})

	t.Run("untrusted", func(t *testing.T) {
		code, stdout, stderr := f.run(t, "verify", "--format", "simple", out)
		assert.Equal(t, 1, code)
		assert.NotContains(t, stderr, "Error:")
		assert.Contains(t, stdout, "Overall Result: INDETERMINATE")
	})

	t.Run("offline", func(t *testing.T) {
		code, stdout, _ := f.run(t, "verify", "--trust-roots", f.caFile, "--offline", out)
		assert.Equal(t, 1, code)
		assert.Contains(t, stdout, string(ades.SubIndicationTryLater))
	})

	t.Run("unknown format", func(t *testing.T) {
		code, _, stderr := f.run(t, "verify", "--trust-roots", f.caFile, "--format", "yaml", out)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "unknown output format")
	})
}

func TestExtendRejectsUnreachableProfile(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out.asice")
	f.sign(t, out)

	code, _, stderr := f.run(t, "extend", "--profile", "B_BES", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "cannot be extended")

	code, _, stderr = f.run(t, "extend", "--profile", "LT", filepath.Join(f.dir, "missing.asice"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to open container")
}

func TestTSLClearCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lotl.xml"), []byte("<x/>"), 0o600))
	cfgFile := filepath.Join(t.TempDir(), "goasic.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("mode: TEST\ntsl:\n  cache-dir: "+dir+"\n"), 0o600))

	var stdout bytes.Buffer
	code := Execute([]string{"--config", cfgFile, "tsl", "clear-cache"}, &stdout, &bytes.Buffer{})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Cleared "+dir)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
