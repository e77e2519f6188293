package qualified

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/georgepadayatti/goasic/certvalidator"
	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/keys"
	"github.com/jonboulle/clockwork"
)

// Loader errors.
var (
	ErrTrustStoreNotFound = errors.New("LOTL trust store not found")
	ErrListExpired        = errors.New("trusted list expired")
	ErrPivotChain         = errors.New("LOTL pivot chain broken")
	ErrLOTLNotValid       = errors.New("LOTL could not be validated")
	ErrNoTrustAnchors     = errors.New("refresh produced no trust anchors")
	ErrMissingTerritory   = errors.New("trusted territory list not loaded")
	ErrRefreshRejected    = errors.New("trusted list refresh rejected")
)

// TrustStoreError reports an unreadable LOTL trust store.
type TrustStoreError struct {
	Path string
	Err  error
}

func (e *TrustStoreError) Error() string {
	return fmt.Sprintf("unable to retrieve LOTL trust store from path %q: %v", e.Path, e.Err)
}

func (e *TrustStoreError) Unwrap() error { return e.Err }

// Is makes every TrustStoreError match ErrTrustStoreNotFound.
func (e *TrustStoreError) Is(target error) bool { return target == ErrTrustStoreNotFound }

// DocumentLoader downloads list documents. *fetchers.Fetcher implements it.
type DocumentLoader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// TrustedListLoader owns the trust hierarchy: it downloads and checks the
// LOTL and territory lists and swaps the harvested certificates into a
// certvalidator.TrustStore.
type TrustedListLoader struct {
	source   *TrustedListSource
	store    *certvalidator.TrustStore
	loader   DocumentLoader
	cache    TLCache
	cacheDir string
	verifier SignatureVerifier
	alerts   []AlertHandler
	callback config.TSLRefreshCallback
	// expiryWarning is the window before NextUpdate that raises
	// AlertExpiringSoon. Zero or negative disables it.
	expiryWarning time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	// refreshMu allows one refresh in flight.
	refreshMu sync.Mutex
	services  atomic.Pointer[map[[32]byte]*TrustService]
	last      atomic.Pointer[config.TSLRefreshSummary]
}

// LoaderOption configures a TrustedListLoader.
type LoaderOption func(*TrustedListLoader)

// WithTrustStore sets the store that refreshes write into.
func WithTrustStore(store *certvalidator.TrustStore) LoaderOption {
	return func(l *TrustedListLoader) { l.store = store }
}

// WithDocumentLoader replaces the online loader.
func WithDocumentLoader(dl DocumentLoader) LoaderOption {
	return func(l *TrustedListLoader) { l.loader = dl }
}

// WithCache replaces the file system cache.
func WithCache(c TLCache) LoaderOption {
	return func(l *TrustedListLoader) { l.cache = c }
}

// WithVerifier replaces the XML signature verifier.
func WithVerifier(v SignatureVerifier) LoaderOption {
	return func(l *TrustedListLoader) { l.verifier = v }
}

// WithAlertHandlers replaces the default log handler.
func WithAlertHandlers(handlers ...AlertHandler) LoaderOption {
	return func(l *TrustedListLoader) { l.alerts = handlers }
}

// WithExpiryWarning sets how long before NextUpdate an accepted list raises
// AlertExpiringSoon. Zero or negative disables the alert.
func WithExpiryWarning(d time.Duration) LoaderOption {
	return func(l *TrustedListLoader) { l.expiryWarning = d }
}

// WithClock sets the clock used for expiry checks and the refresh job.
func WithClock(c clockwork.Clock) LoaderOption {
	return func(l *TrustedListLoader) { l.clock = c }
}

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *TrustedListLoader) { l.logger = logger }
}

// NewTrustedListLoader loads the LOTL trust store named by cfg and prepares
// the refresh machinery. No network access happens until Refresh. When the
// trust store cannot be read the error matches ErrTrustStoreNotFound and no
// loader is returned.
func NewTrustedListLoader(cfg *config.Configuration, opts ...LoaderOption) (*TrustedListLoader, error) {
	tslCfg := cfg.TSL
	certs, err := keys.LoadKeyStore(tslCfg.LOTLTruststorePath, tslCfg.LOTLTruststoreType, tslCfg.LOTLTruststorePassword)
	if err != nil {
		return nil, &TrustStoreError{Path: tslCfg.LOTLTruststorePath, Err: err}
	}

	l := &TrustedListLoader{
		source:   NewTrustedListSource(tslCfg.LOTLURL, certs, tslCfg.PivotSupport(), tslCfg.TrustedTerritories),
		cacheDir: tslCfg.CacheDir,
		verifier: XMLDSigVerifier{},
		callback: cfg.TSLRefreshCallback,
		clock:    clockwork.NewRealClock(),

		expiryWarning: tslCfg.ExpiryWarning,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cacheDir == "" {
		l.cacheDir = config.DefaultTSLCacheDir()
	}
	if l.store == nil {
		l.store = certvalidator.NewTrustStore()
	}
	if l.cache == nil {
		fsCache := NewFileSystemTLCache(l.cacheDir, 0)
		fsCache.clock = l.clock
		l.cache = fsCache
	}
	if l.alerts == nil {
		l.alerts = []AlertHandler{LogAlertHandler{Logger: l.logger}}
	}
	if l.callback == nil {
		l.callback = DefaultRefreshCallback(cfg)
	}
	if l.loader == nil {
		client, err := fetchers.ConfigureDataLoader(config.PurposeTSL, fetchers.OptionsFor(cfg, config.PurposeTSL))
		if err != nil {
			return nil, err
		}
		fc := fetchers.DefaultConfig()
		fc.HTTPClient = client
		fc.Logger = l.logger
		fc.MaxResponseSize = 64 << 20
		l.loader = fetchers.NewFetcher(fc)
	}
	return l, nil
}

// DefaultRefreshCallback returns the refresh acceptance rule for cfg's mode.
// PROD requires a validated LOTL, at least one anchor and a list for every
// configured territory. TEST only requires at least one anchor.
func DefaultRefreshCallback(cfg *config.Configuration) config.TSLRefreshCallback {
	if cfg.IsTest() {
		return func(s *config.TSLRefreshSummary) error {
			if s.Certificates == 0 {
				return ErrNoTrustAnchors
			}
			return nil
		}
	}
	territories := slices.Clone(cfg.TSL.TrustedTerritories)
	return func(s *config.TSLRefreshSummary) error {
		if !s.LOTLValid {
			return ErrLOTLNotValid
		}
		if s.Certificates == 0 {
			return ErrNoTrustAnchors
		}
		for _, t := range territories {
			if !slices.Contains(s.Territories, t) {
				return fmt.Errorf("%w: %s", ErrMissingTerritory, t)
			}
		}
		return nil
	}
}

// Source returns the LOTL source definition.
func (l *TrustedListLoader) Source() *TrustedListSource { return l.source }

// TrustStore returns the store fed by refreshes.
func (l *TrustedListLoader) TrustStore() *certvalidator.TrustStore { return l.store }

// CacheDir returns the file cache directory.
func (l *TrustedListLoader) CacheDir() string { return l.cacheDir }

// LastSummary returns the outcome of the latest refresh, or nil.
func (l *TrustedListLoader) LastSummary() *config.TSLRefreshSummary { return l.last.Load() }

// InvalidateCache empties the list cache.
func (l *TrustedListLoader) InvalidateCache() error {
	l.logger.Info("cleaning TSL cache directory", "path", l.cacheDir)
	if r, ok := l.cache.(interface{ Reset() error }); ok {
		return r.Reset()
	}
	return InvalidateCache(l.cacheDir)
}

// ServiceFor returns the trust service that publishes anchor.
func (l *TrustedListLoader) ServiceFor(anchor *x509.Certificate) (*TrustService, bool) {
	idx := l.services.Load()
	if idx == nil || anchor == nil {
		return nil, false
	}
	s, ok := (*idx)[certvalidator.CertificateFingerprint(anchor)]
	return s, ok
}

type harvest struct {
	anchors  []*x509.Certificate
	services map[[32]byte]*TrustService
}

func (h *harvest) add(tl *TrustedList) {
	for _, svc := range tl.Services {
		if !svc.Active() {
			continue
		}
		for _, c := range svc.Certificates {
			fp := certvalidator.CertificateFingerprint(c)
			if _, dup := h.services[fp]; dup {
				continue
			}
			h.services[fp] = svc
			h.anchors = append(h.anchors, c)
		}
	}
}

// Refresh downloads and checks the trust hierarchy. The refresh callback
// decides whether the result replaces the current trust store contents; when
// it refuses, the previous anchors stay in effect and the returned error
// matches ErrRefreshRejected. Problems with individual lists are reported in
// the summary and through alerts.
func (l *TrustedListLoader) Refresh(ctx context.Context) (*config.TSLRefreshSummary, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	summary := &config.TSLRefreshSummary{
		LOTLURL:  l.source.LOTLURL,
		Rejected: make(map[string]error),
	}
	h := &harvest{services: make(map[[32]byte]*TrustService)}

	l.logger.Info("refreshing trusted lists", "lotl", l.source.LOTLURL)
	lotl, err := l.loadLOTL(ctx)
	if err != nil {
		summary.Rejected[l.source.LOTLURL] = err
		l.logger.Warn("LOTL rejected", "lotl", l.source.LOTLURL, "error", err)
	} else {
		summary.LOTLValid = true
		for _, ptr := range lotl.Pointers {
			if ctx.Err() != nil {
				break
			}
			if !l.source.TLPredicate(ptr) {
				continue
			}
			tl, err := l.loadList(ctx, ptr.Location, ptr.Certificates)
			if err != nil {
				summary.Rejected[ptr.Location] = err
				continue
			}
			if tl.Territory == "" {
				tl.Territory = ptr.Territory
			}
			summary.Accepted = append(summary.Accepted, ptr.Location)
			summary.Territories = append(summary.Territories, tl.Territory)
			h.add(tl)
		}
	}
	sort.Strings(summary.Accepted)
	sort.Strings(summary.Territories)
	summary.Certificates = len(h.anchors)
	summary.FinishedAt = l.clock.Now()

	if err := ctx.Err(); err != nil {
		l.last.Store(summary)
		return summary, err
	}
	if err := l.callback(summary); err != nil {
		l.last.Store(summary)
		l.logger.Warn("trusted list refresh rejected, keeping previous trust anchors",
			"error", err, "anchors", l.store.Count())
		return summary, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}

	l.store.Replace(h.anchors)
	l.services.Store(&h.services)
	l.last.Store(summary)
	l.logger.Info("trusted lists refreshed",
		"accepted", len(summary.Accepted), "rejected", len(summary.Rejected), "anchors", summary.Certificates)
	return summary, nil
}

func (l *TrustedListLoader) loadLOTL(ctx context.Context) (*TrustedList, error) {
	certs := l.source.LOTLCertificates
	if l.source.PivotSupport {
		data, err := l.fetch(ctx, l.source.LOTLURL)
		if err != nil {
			return nil, err
		}
		lotl, err := ParseTrustedList(data, l.source.LOTLURL)
		if err != nil {
			return nil, err
		}
		if len(lotl.PivotURLs) > 0 {
			if certs, err = l.followPivots(ctx, lotl.PivotURLs, certs); err != nil {
				return nil, err
			}
		}
		return lotl, l.check(lotl, data, certs)
	}
	return l.loadList(ctx, l.source.LOTLURL, certs)
}

// followPivots walks the pivots oldest first. Each verified pivot names the
// certificates that verify the next one.
func (l *TrustedListLoader) followPivots(ctx context.Context, pivots []string, certs []*x509.Certificate) ([]*x509.Certificate, error) {
	for i := len(pivots) - 1; i >= 0; i-- {
		url := pivots[i]
		data, err := l.fetch(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPivotChain, url, err)
		}
		pivot, err := ParseTrustedList(data, url)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPivotChain, url, err)
		}
		if _, err := l.verify(pivot, data, certs); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPivotChain, url, err)
		}
		var next []*x509.Certificate
		for _, ptr := range pivot.Pointers {
			if l.source.LOTLPredicate(ptr) {
				next = append(next, ptr.Certificates...)
			}
		}
		if len(next) == 0 {
			return nil, fmt.Errorf("%w: %s: no LOTL pointer", ErrPivotChain, url)
		}
		l.logger.Debug("LOTL pivot verified", "pivot", url, "signers", len(next))
		certs = next
	}
	return certs, nil
}

func (l *TrustedListLoader) loadList(ctx context.Context, url string, certs []*x509.Certificate) (*TrustedList, error) {
	data, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	tl, err := ParseTrustedList(data, url)
	if err != nil {
		return nil, err
	}
	return tl, l.check(tl, data, certs)
}

// check applies the synchronization rule: a list is accepted only when its
// signature verifies and it has not expired.
func (l *TrustedListLoader) check(tl *TrustedList, data []byte, certs []*x509.Certificate) error {
	signer, err := l.verify(tl, data, certs)
	if err != nil {
		return err
	}
	tl.SigningCertificate = signer
	if now := l.clock.Now(); tl.Expired(now) {
		l.alert(&Alert{Kind: AlertExpired, Location: tl.Location, Territory: tl.Territory, NextUpdate: tl.NextUpdate})
		return fmt.Errorf("%w: %s (next update %s)", ErrListExpired, tl.Location, tl.NextUpdate.Format("2006-01-02T15:04:05Z07:00"))
	} else if l.expiryWarning > 0 && !tl.NextUpdate.IsZero() && tl.NextUpdate.Sub(now) <= l.expiryWarning {
		l.alert(&Alert{Kind: AlertExpiringSoon, Location: tl.Location, Territory: tl.Territory, NextUpdate: tl.NextUpdate})
	}
	return nil
}

func (l *TrustedListLoader) verify(tl *TrustedList, data []byte, certs []*x509.Certificate) (*x509.Certificate, error) {
	signer, err := l.verifier.Verify(data, certs)
	if err != nil {
		if !errors.Is(err, ErrListSignature) {
			err = fmt.Errorf("%w: %w", ErrListSignature, err)
		}
		l.alert(&Alert{Kind: AlertSignatureError, Location: tl.Location, Territory: tl.Territory, Err: err})
		return nil, err
	}
	return signer, nil
}

// fetch downloads url and refreshes the cached copy. When the download fails
// the cached copy is used.
func (l *TrustedListLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	data, err := l.loader.Get(ctx, url)
	if err == nil {
		if cerr := l.cache.Set(url, data); cerr != nil {
			l.logger.Warn("failed to cache trusted list", "location", url, "error", cerr)
		}
		return data, nil
	}
	if cached, ok := l.cache.Get(url); ok {
		l.logger.Warn("download failed, using cached trusted list", "location", url, "error", err)
		return cached, nil
	}
	return nil, err
}

func (l *TrustedListLoader) alert(a *Alert) {
	for _, h := range l.alerts {
		h.HandleAlert(a)
	}
}
