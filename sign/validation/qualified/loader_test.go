package qualified

import (
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedList(t *testing.T) {
	h := newHierarchy(t)
	next := h.now.Add(time.Hour)

	tl, err := ParseTrustedList(listXML(EUGenericType, "ee", next, nil, nil, nil, []serviceSpec{
		{name: "ESTEID-SK 2015", typ: CAQCUri, status: StatusGrantedURI, certs: []*x509.Certificate{h.eeCA.Cert}, ext: SvcInfoExtURIBase + "/ForeSeals"},
		{name: "Old CA", typ: CAQCUri, status: StatusWithdrawnURI},
	}), "https://example.org/ee.xml")
	require.NoError(t, err)

	assert.Equal(t, "EE", tl.Territory)
	assert.Equal(t, EUGenericType, tl.Type)
	assert.Equal(t, 7, tl.SequenceNumber)
	assert.Equal(t, "Information System Authority", tl.OperatorName)
	assert.True(t, tl.NextUpdate.Equal(next.Truncate(time.Second)))
	assert.False(t, tl.Expired(h.now))
	assert.True(t, tl.Expired(next))

	require.Len(t, tl.Services, 2)
	svc := tl.Services[0]
	assert.Equal(t, "SK ID Solutions AS", svc.Provider)
	assert.Equal(t, "ESTEID-SK 2015", svc.Name)
	assert.True(t, svc.Active())
	assert.True(t, svc.QualifiedFor(QcCertTypeEseal))
	assert.False(t, svc.QualifiedFor(QcCertTypeEsign))
	require.Len(t, svc.Certificates, 1)
	assert.True(t, svc.Certificates[0].Equal(h.eeCA.Cert))
	assert.False(t, tl.Services[1].Active())
}

func TestParseLOTLPointersAndPivots(t *testing.T) {
	h := newHierarchy(t)
	doc := listXML(EULOTLType, "EU", h.now.Add(time.Hour), nil,
		[]string{"https://example.org/pivot-2.xml", "https://example.org/pivot-1.xml"},
		[]pointerSpec{lotlPointer("https://example.org/lotl.xml", h.lotlOwner.Cert), euPointer("https://example.org/ee.xml", "EE", h.eeOwner.Cert)},
		nil)

	lotl, err := ParseTrustedList(doc, "https://example.org/lotl.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.org/pivot-2.xml", "https://example.org/pivot-1.xml"}, lotl.PivotURLs)
	require.Len(t, lotl.Pointers, 2)
	ee := lotl.Pointers[1]
	assert.Equal(t, "EE", ee.Territory)
	assert.Equal(t, ETSITSLMimeType, ee.MimeType)
	assert.Equal(t, EUGenericType, ee.TSLType)
	require.Len(t, ee.Certificates, 1)

	_, err = ParseTrustedList([]byte("<TrustServiceStatusList/>"), "x")
	assert.Error(t, err)
	_, err = ParseTrustedList([]byte("not xml"), "x")
	assert.Error(t, err)
}

func TestSourcePredicates(t *testing.T) {
	src := NewTrustedListSource("https://example.org/lotl.xml", nil, true, []string{"ee"})
	ee := &PointerInfo{TSLType: EUGenericType, MimeType: ETSITSLMimeType, Territory: "EE"}
	lv := &PointerInfo{TSLType: EUGenericType, MimeType: ETSITSLMimeType, Territory: "LV"}
	pdf := &PointerInfo{TSLType: EUGenericType, MimeType: "application/pdf", Territory: "EE"}
	lotl := &PointerInfo{TSLType: EULOTLType, MimeType: ETSITSLMimeType, Territory: "EU"}

	assert.True(t, src.TLPredicate(ee))
	assert.False(t, src.TLPredicate(lv))
	assert.False(t, src.TLPredicate(pdf))
	assert.False(t, src.TLPredicate(lotl))
	assert.True(t, src.LOTLPredicate(lotl), "territory filter never applies to the LOTL pointer")
	assert.False(t, src.LOTLPredicate(ee))

	open := NewTrustedListSource("https://example.org/lotl.xml", nil, true, nil)
	assert.True(t, open.TLPredicate(lv))
}

func TestNewTrustedListLoaderTrustStoreNotFound(t *testing.T) {
	cfg := config.New(config.ModeTest)
	cfg.TSL.LOTLTruststorePath = filepath.Join(t.TempDir(), "missing.p12")

	l, err := NewTrustedListLoader(cfg)
	assert.Nil(t, l)
	assert.ErrorIs(t, err, ErrTrustStoreNotFound)
	var tsErr *TrustStoreError
	require.ErrorAs(t, err, &tsErr)
	assert.Equal(t, cfg.TSL.LOTLTruststorePath, tsErr.Path)
}

func TestRefreshLoadsAnchors(t *testing.T) {
	h := newHierarchy(t)
	l := h.newLoader(t, loaderSetup{})

	summary, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.LOTLValid)
	assert.Equal(t, []string{h.url("/ee.xml"), h.url("/lv.xml")}, summary.Accepted)
	assert.Equal(t, []string{"EE", "LV"}, summary.Territories)
	assert.Equal(t, 3, summary.Certificates)
	assert.Same(t, summary, l.LastSummary())

	store := l.TrustStore()
	assert.True(t, store.Contains(h.eeCA.Cert))
	assert.True(t, store.Contains(h.eeTSA.Cert))
	assert.True(t, store.Contains(h.lvCA.Cert))
	assert.False(t, store.Contains(h.withdrawn.Cert))

	svc, ok := l.ServiceFor(h.eeCA.Cert)
	require.True(t, ok)
	assert.Equal(t, "ESTEID-SK 2015", svc.Name)
	assert.Equal(t, "EE", svc.Territory)
	assert.True(t, svc.QualifiedFor(QcCertTypeEsign))
	_, ok = l.ServiceFor(h.lotlOwner.Cert)
	assert.False(t, ok)
}

func TestRefreshTerritoryFilter(t *testing.T) {
	h := newHierarchy(t)
	l := h.newLoader(t, loaderSetup{territories: []string{"EE"}})

	summary, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{h.url("/ee.xml")}, summary.Accepted)
	assert.False(t, l.TrustStore().Contains(h.lvCA.Cert))
}

func TestRefreshKeepsSnapshotWhenLOTLSignatureFails(t *testing.T) {
	h := newHierarchy(t)
	alerts := &alertRecorder{}
	l := h.newLoader(t, loaderSetup{alerts: alerts})

	_, err := l.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, l.TrustStore().Count())

	forger := testpki.NewRootCA(t, "EU LOTL signer")
	h.srv.put("/lotl.xml", h.lotl(h.now.Add(time.Hour), forger.Cert))

	summary, err := l.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.ErrorIs(t, err, ErrLOTLNotValid)
	assert.False(t, summary.LOTLValid)
	assert.ErrorIs(t, summary.Rejected[h.url("/lotl.xml")], ErrListSignature)
	assert.Equal(t, 3, l.TrustStore().Count(), "previous anchors stay in effect")
	assert.Contains(t, alerts.kinds(), AlertSignatureError)
}

func TestRefreshRejectsExpiredList(t *testing.T) {
	h := newHierarchy(t)
	h.srv.put("/ee.xml", listXML(EUGenericType, "EE", h.now.Add(-time.Hour), h.eeOwner.Cert, nil, nil, []serviceSpec{
		{name: "ESTEID-SK 2015", typ: CAQCUri, status: StatusGrantedURI, certs: []*x509.Certificate{h.eeCA.Cert}},
	}))

	alerts := &alertRecorder{}
	prod := h.newLoader(t, loaderSetup{territories: []string{"EE", "LV"}, alerts: alerts})
	summary, err := prod.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrMissingTerritory)
	assert.ErrorIs(t, summary.Rejected[h.url("/ee.xml")], ErrListExpired)
	assert.Equal(t, []AlertKind{AlertExpired}, alerts.kinds())
	assert.Zero(t, prod.TrustStore().Count())

	test := h.newLoader(t, loaderSetup{mode: config.ModeTest, territories: []string{"EE", "LV"}})
	_, err = test.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, test.TrustStore().Contains(h.lvCA.Cert))
	assert.False(t, test.TrustStore().Contains(h.eeCA.Cert))
}

func TestRefreshAlertsOnListsExpiringSoon(t *testing.T) {
	h := newHierarchy(t)
	h.publish(h.now.Add(48 * time.Hour))

	alerts := &alertRecorder{}
	l := h.newLoader(t, loaderSetup{alerts: alerts})
	summary, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Accepted, 2)
	assert.Equal(t, []AlertKind{AlertExpiringSoon, AlertExpiringSoon, AlertExpiringSoon}, alerts.kinds())
	assert.True(t, l.TrustStore().Contains(h.eeCA.Cert))

	quiet := &alertRecorder{}
	narrow := h.newLoader(t, loaderSetup{alerts: quiet, opts: []LoaderOption{WithExpiryWarning(24 * time.Hour)}})
	_, err = narrow.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, quiet.kinds())

	disabled := &alertRecorder{}
	off := h.newLoader(t, loaderSetup{alerts: disabled, configure: func(cfg *config.Configuration) {
		cfg.TSL.ExpiryWarning = -1
	}})
	_, err = off.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, disabled.kinds())
}

func TestRefreshFallsBackToCachedList(t *testing.T) {
	h := newHierarchy(t)
	l := h.newLoader(t, loaderSetup{})

	_, err := l.Refresh(context.Background())
	require.NoError(t, err)

	h.srv.remove("/ee.xml")
	summary, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary.Accepted, h.url("/ee.xml"))

	require.NoError(t, l.InvalidateCache())
	summary, err = l.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, summary.Accepted, h.url("/ee.xml"))
	assert.Error(t, summary.Rejected[h.url("/ee.xml")])
	assert.False(t, l.TrustStore().Contains(h.eeCA.Cert))
}

func TestInvalidateCache(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, InvalidateCache(filepath.Join(dir, "does-not-exist")))

	cacheDir := filepath.Join(dir, "cache")
	c := NewFileSystemTLCache(cacheDir, 0)
	require.NoError(t, c.Set("https://example.org/ee.xml", []byte("<x/>")))
	got, ok := c.Get("https://example.org/ee.xml")
	require.True(t, ok)
	assert.Equal(t, []byte("<x/>"), got)

	reopened := NewFileSystemTLCache(cacheDir, 0)
	_, ok = reopened.Get("https://example.org/ee.xml")
	assert.True(t, ok, "index survives reopening")

	require.NoError(t, InvalidateCache(cacheDir))
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	file := filepath.Join(dir, "plain-file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	assert.Error(t, InvalidateCache(file))
}

func TestFileSystemTLCacheExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewFileSystemTLCache(t.TempDir(), time.Hour)
	c.clock = clock
	require.NoError(t, c.Set("k", []byte("v")))

	_, ok := c.Get("k")
	assert.True(t, ok)
	clock.Advance(2 * time.Hour)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestRefreshFollowsPivots(t *testing.T) {
	h := newHierarchy(t)
	ojSigner := testpki.NewRootCA(t, "OJ bootstrap signer")
	next := h.now.Add(24 * time.Hour)

	pivot := listXML(EULOTLType, "EU", next, ojSigner.Cert, nil,
		[]pointerSpec{lotlPointer(h.url("/lotl.xml"), h.lotlOwner.Cert)}, nil)
	h.srv.put("/pivot-1.xml", pivot)
	h.srv.put("/lotl.xml", listXML(EULOTLType, "EU", next, h.lotlOwner.Cert, []string{h.url("/pivot-1.xml")},
		[]pointerSpec{lotlPointer(h.url("/lotl.xml"), h.lotlOwner.Cert), euPointer(h.url("/ee.xml"), "EE", h.eeOwner.Cert)}, nil))

	l := h.newLoader(t, loaderSetup{pivot: true, anchors: []*x509.Certificate{ojSigner.Cert}})
	summary, err := l.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.LOTLValid)
	assert.True(t, l.TrustStore().Contains(h.eeCA.Cert))

	noPivot := h.newLoader(t, loaderSetup{pivot: false, anchors: []*x509.Certificate{ojSigner.Cert}})
	_, err = noPivot.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrLOTLNotValid)

	h.srv.put("/pivot-1.xml", listXML(EULOTLType, "EU", next, h.eeOwner.Cert, nil,
		[]pointerSpec{lotlPointer(h.url("/lotl.xml"), h.lotlOwner.Cert)}, nil))
	summary, err = l.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.ErrorIs(t, summary.Rejected[h.url("/lotl.xml")], ErrPivotChain)
}

func TestRefreshCallbackFromConfiguration(t *testing.T) {
	h := newHierarchy(t)
	var seen *config.TSLRefreshSummary
	refuse := errors.New("not today")
	l := h.newLoader(t, loaderSetup{configure: func(cfg *config.Configuration) {
		cfg.TSLRefreshCallback = func(s *config.TSLRefreshSummary) error {
			seen = s
			return refuse
		}
	}})

	_, err := l.Refresh(context.Background())
	assert.ErrorIs(t, err, refuse)
	require.NotNil(t, seen)
	assert.Equal(t, 3, seen.Certificates)
	assert.Zero(t, l.TrustStore().Count())
}

func TestDefaultRefreshCallback(t *testing.T) {
	prod := DefaultRefreshCallback(&config.Configuration{Mode: config.ModeProd, TSL: config.TSLConfig{TrustedTerritories: []string{"EE"}}})
	test := DefaultRefreshCallback(&config.Configuration{Mode: config.ModeTest})

	ok := &config.TSLRefreshSummary{LOTLValid: true, Certificates: 2, Territories: []string{"EE"}}
	assert.NoError(t, prod(ok))
	assert.ErrorIs(t, prod(&config.TSLRefreshSummary{Certificates: 2, Territories: []string{"EE"}}), ErrLOTLNotValid)
	assert.ErrorIs(t, prod(&config.TSLRefreshSummary{LOTLValid: true, Certificates: 2}), ErrMissingTerritory)
	assert.ErrorIs(t, prod(&config.TSLRefreshSummary{LOTLValid: true}), ErrNoTrustAnchors)

	assert.NoError(t, test(&config.TSLRefreshSummary{Certificates: 1}))
	assert.ErrorIs(t, test(&config.TSLRefreshSummary{LOTLValid: true}), ErrNoTrustAnchors)
}

func TestJobRefreshesPeriodically(t *testing.T) {
	h := newHierarchy(t)
	clock := clockwork.NewFakeClockAt(h.now)
	l := h.newLoader(t, loaderSetup{clock: clock})
	job := l.NewJob()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, job.Start(ctx, time.Hour))
	assert.ErrorIs(t, job.Start(ctx, time.Hour), ErrJobRunning)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	st := job.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Refreshes)
	assert.NoError(t, st.LastError)
	assert.Equal(t, 3, st.Anchors)

	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool { return job.Status().Refreshes == 2 }, 5*time.Second, 10*time.Millisecond)

	job.Stop()
	assert.False(t, job.Status().Running)
	job.Stop()
}

func TestXMLDSigVerifierRejectsUnsigned(t *testing.T) {
	ca := testpki.NewRootCA(t, "signer")
	_, err := XMLDSigVerifier{}.Verify([]byte("<TrustServiceStatusList/>"), []*x509.Certificate{ca.Cert})
	assert.ErrorIs(t, err, ErrListSignature)
	_, err = XMLDSigVerifier{}.Verify([]byte("<TrustServiceStatusList/>"), nil)
	assert.ErrorIs(t, err, ErrListSignature)
}
