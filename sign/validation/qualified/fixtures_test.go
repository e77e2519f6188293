package qualified

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/internal/testpki"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// markerVerifier accepts a document carrying a signed-by marker naming one of
// the candidate certificates.
type markerVerifier struct{}

func signedBy(cert *x509.Certificate) string {
	fp := certvalidator.CertificateFingerprint(cert)
	return "<!--signed-by:" + hex.EncodeToString(fp[:]) + "-->"
}

func (markerVerifier) Verify(data []byte, candidates []*x509.Certificate) (*x509.Certificate, error) {
	for _, c := range candidates {
		if bytes.Contains(data, []byte(signedBy(c))) {
			return c, nil
		}
	}
	return nil, errors.New("no matching signer")
}

type pointerSpec struct {
	location  string
	tslType   string
	mime      string
	territory string
	certs     []*x509.Certificate
}

type serviceSpec struct {
	name   string
	typ    string
	status string
	certs  []*x509.Certificate
	ext    string
}

func euPointer(location, territory string, certs ...*x509.Certificate) pointerSpec {
	return pointerSpec{location: location, tslType: EUGenericType, mime: ETSITSLMimeType, territory: territory, certs: certs}
}

func lotlPointer(location string, certs ...*x509.Certificate) pointerSpec {
	return pointerSpec{location: location, tslType: EULOTLType, mime: ETSITSLMimeType, territory: "EU", certs: certs}
}

func certXML(certs []*x509.Certificate) string {
	var b strings.Builder
	for _, c := range certs {
		fmt.Fprintf(&b, "<tsl:DigitalId><tsl:X509Certificate>%s</tsl:X509Certificate></tsl:DigitalId>",
			base64.StdEncoding.EncodeToString(c.Raw))
	}
	return b.String()
}

func listXML(tslType, territory string, next time.Time, signer *x509.Certificate, pivots []string, pointers []pointerSpec, services []serviceSpec) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<tsl:TrustServiceStatusList xmlns:tsl="http://uri.etsi.org/02231/v2#" xmlns:ns3="http://uri.etsi.org/02231/v2/additionaltypes#">`)
	b.WriteString(`<tsl:SchemeInformation><tsl:TSLSequenceNumber>7</tsl:TSLSequenceNumber>`)
	fmt.Fprintf(&b, `<tsl:TSLType>%s</tsl:TSLType>`, tslType)
	b.WriteString(`<tsl:SchemeOperatorName><tsl:Name xml:lang="et">Riigi Infosüsteemi Amet</tsl:Name><tsl:Name xml:lang="en">Information System Authority</tsl:Name></tsl:SchemeOperatorName>`)
	if len(pivots) > 0 {
		b.WriteString(`<tsl:SchemeInformationURI>`)
		for _, p := range pivots {
			fmt.Fprintf(&b, `<tsl:URI xml:lang="en">%s</tsl:URI>`, p)
		}
		b.WriteString(`<tsl:URI xml:lang="en">https://example.org/info.html</tsl:URI></tsl:SchemeInformationURI>`)
	}
	fmt.Fprintf(&b, `<tsl:SchemeTerritory>%s</tsl:SchemeTerritory>`, territory)
	if len(pointers) > 0 {
		b.WriteString(`<tsl:PointersToOtherTSL>`)
		for _, p := range pointers {
			b.WriteString(`<tsl:OtherTSLPointer><tsl:ServiceDigitalIdentities><tsl:ServiceDigitalIdentity>`)
			b.WriteString(certXML(p.certs))
			b.WriteString(`</tsl:ServiceDigitalIdentity></tsl:ServiceDigitalIdentities>`)
			fmt.Fprintf(&b, `<tsl:TSLLocation>%s</tsl:TSLLocation><tsl:AdditionalInformation>`, p.location)
			fmt.Fprintf(&b, `<tsl:OtherInformation><tsl:TSLType>%s</tsl:TSLType></tsl:OtherInformation>`, p.tslType)
			fmt.Fprintf(&b, `<tsl:OtherInformation><tsl:SchemeTerritory>%s</tsl:SchemeTerritory></tsl:OtherInformation>`, p.territory)
			fmt.Fprintf(&b, `<tsl:OtherInformation><ns3:MimeType>%s</ns3:MimeType></tsl:OtherInformation>`, p.mime)
			b.WriteString(`</tsl:AdditionalInformation></tsl:OtherTSLPointer>`)
		}
		b.WriteString(`</tsl:PointersToOtherTSL>`)
	}
	b.WriteString(`<tsl:ListIssueDateTime>2024-01-01T00:00:00Z</tsl:ListIssueDateTime>`)
	fmt.Fprintf(&b, `<tsl:NextUpdate><tsl:dateTime>%s</tsl:dateTime></tsl:NextUpdate>`, next.UTC().Format(time.RFC3339))
	b.WriteString(`</tsl:SchemeInformation>`)
	if len(services) > 0 {
		b.WriteString(`<tsl:TrustServiceProviderList><tsl:TrustServiceProvider><tsl:TSPInformation><tsl:TSPName><tsl:Name xml:lang="en">SK ID Solutions AS</tsl:Name></tsl:TSPName></tsl:TSPInformation><tsl:TSPServices>`)
		for _, s := range services {
			b.WriteString(`<tsl:TSPService><tsl:ServiceInformation>`)
			fmt.Fprintf(&b, `<tsl:ServiceTypeIdentifier>%s</tsl:ServiceTypeIdentifier>`, s.typ)
			fmt.Fprintf(&b, `<tsl:ServiceName><tsl:Name xml:lang="en">%s</tsl:Name></tsl:ServiceName>`, s.name)
			b.WriteString(`<tsl:ServiceDigitalIdentity>` + certXML(s.certs) + `</tsl:ServiceDigitalIdentity>`)
			fmt.Fprintf(&b, `<tsl:ServiceStatus>%s</tsl:ServiceStatus>`, s.status)
			b.WriteString(`<tsl:StatusStartingTime>2016-06-30T22:00:00Z</tsl:StatusStartingTime>`)
			if s.ext != "" {
				fmt.Fprintf(&b, `<tsl:ServiceInformationExtensions><tsl:Extension Critical="true"><tsl:AdditionalServiceInformation><tsl:URI xml:lang="en">%s</tsl:URI></tsl:AdditionalServiceInformation></tsl:Extension></tsl:ServiceInformationExtensions>`, s.ext)
			}
			b.WriteString(`</tsl:ServiceInformation></tsl:TSPService>`)
		}
		b.WriteString(`</tsl:TSPServices></tsl:TrustServiceProvider></tsl:TrustServiceProviderList>`)
	}
	if signer != nil {
		b.WriteString(signedBy(signer))
	}
	b.WriteString(`</tsl:TrustServiceStatusList>`)
	return []byte(b.String())
}

// listServer serves documents by path. Documents can be swapped between
// refreshes.
type listServer struct {
	*httptest.Server
	mu   sync.Mutex
	docs map[string][]byte
}

func newListServer(t *testing.T) *listServer {
	ls := &listServer{docs: make(map[string][]byte)}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ls.mu.Lock()
		doc, ok := ls.docs[r.URL.Path]
		ls.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ETSITSLMimeType)
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *listServer) put(path string, doc []byte) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.docs[path] = doc
}

func (ls *listServer) remove(path string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.docs, path)
}

type hierarchy struct {
	srv       *listServer
	now       time.Time
	lotlOwner *testpki.Identity
	eeOwner   *testpki.Identity
	lvOwner   *testpki.Identity
	eeCA      *testpki.Identity
	eeTSA     *testpki.Identity
	lvCA      *testpki.Identity
	withdrawn *testpki.Identity
}

func newHierarchy(t *testing.T) *hierarchy {
	h := &hierarchy{
		srv:       newListServer(t),
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		lotlOwner: testpki.NewRootCA(t, "EU LOTL signer"),
		eeOwner:   testpki.NewRootCA(t, "EE TL signer"),
		lvOwner:   testpki.NewRootCA(t, "LV TL signer"),
		eeCA:      testpki.NewRootCA(t, "TEST of ESTEID-SK 2015"),
		eeTSA:     testpki.NewRootCA(t, "TEST of SK TSA CA"),
		lvCA:      testpki.NewRootCA(t, "LV eID CA"),
		withdrawn: testpki.NewRootCA(t, "Withdrawn CA"),
	}
	h.publish(h.now.Add(30 * 24 * time.Hour))
	return h
}

func (h *hierarchy) url(path string) string { return h.srv.URL + path }

func (h *hierarchy) lotl(next time.Time, signer *x509.Certificate) []byte {
	return listXML(EULOTLType, "EU", next, signer, nil, []pointerSpec{
		lotlPointer(h.url("/lotl.xml"), h.lotlOwner.Cert),
		euPointer(h.url("/ee.xml"), "EE", h.eeOwner.Cert),
		euPointer(h.url("/lv.xml"), "LV", h.lvOwner.Cert),
		{location: h.url("/ee.pdf"), tslType: EUGenericType, mime: "application/pdf", territory: "EE", certs: []*x509.Certificate{h.eeOwner.Cert}},
	}, nil)
}

func (h *hierarchy) publish(next time.Time) {
	h.srv.put("/lotl.xml", h.lotl(next, h.lotlOwner.Cert))
	h.srv.put("/ee.xml", listXML(EUGenericType, "EE", next, h.eeOwner.Cert, nil, nil, []serviceSpec{
		{name: "ESTEID-SK 2015", typ: CAQCUri, status: StatusGrantedURI, certs: []*x509.Certificate{h.eeCA.Cert}, ext: SvcInfoExtURIBase + "/ForeSignatures"},
		{name: "SK TSA", typ: QTSTUri, status: StatusGrantedURI, certs: []*x509.Certificate{h.eeTSA.Cert}},
		{name: "Old CA", typ: CAQCUri, status: StatusWithdrawnURI, certs: []*x509.Certificate{h.withdrawn.Cert}},
	}))
	h.srv.put("/lv.xml", listXML(EUGenericType, "LV", next, h.lvOwner.Cert, nil, nil, []serviceSpec{
		{name: "LV CA", typ: CAQCUri, status: StatusGrantedURI, certs: []*x509.Certificate{h.lvCA.Cert}},
	}))
}

type loaderSetup struct {
	mode        config.Mode
	territories []string
	pivot       bool
	anchors     []*x509.Certificate
	alerts      *alertRecorder
	clock       clockwork.Clock
	configure   func(cfg *config.Configuration)
	opts        []LoaderOption
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (r *alertRecorder) HandleAlert(a *Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) kinds() []AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (h *hierarchy) newLoader(t *testing.T, s loaderSetup) *TrustedListLoader {
	t.Helper()
	if s.mode == "" {
		s.mode = config.ModeProd
	}
	if s.anchors == nil {
		s.anchors = []*x509.Certificate{h.lotlOwner.Cert}
	}
	if s.alerts == nil {
		s.alerts = &alertRecorder{}
	}
	if s.clock == nil {
		s.clock = clockwork.NewFakeClockAt(h.now)
	}

	dir := t.TempDir()
	storePath := filepath.Join(dir, "lotl-truststore.p12")
	require.NoError(t, os.WriteFile(storePath, testpki.PKCS12TrustStore(t, "digidoc4j-password", s.anchors...), 0o600))

	cfg := config.New(s.mode)
	cfg.TSL.LOTLURL = h.url("/lotl.xml")
	cfg.TSL.LOTLTruststorePath = storePath
	cfg.TSL.LOTLTruststoreType = "PKCS12"
	cfg.TSL.LOTLTruststorePassword = "digidoc4j-password"
	cfg.TSL.LOTLPivotSupport = &s.pivot
	cfg.TSL.TrustedTerritories = s.territories
	cfg.TSL.CacheDir = filepath.Join(dir, "cache")
	if s.configure != nil {
		s.configure(cfg)
	}

	opts := append([]LoaderOption{
		WithDocumentLoader(fetchers.NewFetcher(&fetchers.FetcherConfig{HTTPClient: h.srv.Client()})),
		WithVerifier(markerVerifier{}),
		WithAlertHandlers(s.alerts),
		WithClock(s.clock),
	}, s.opts...)
	l, err := NewTrustedListLoader(cfg, opts...)
	require.NoError(t, err)
	return l
}
