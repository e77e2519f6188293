package sign

import (
	"context"
	"crypto"
	"crypto/x509"
	"log/slog"

	"github.com/georgepadayatti/goasic/certvalidator/fetchers"
	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/sign/timestamps"
	"github.com/jonboulle/clockwork"
)

// SignatureToken produces signature values. Sign receives the data to sign
// and hashes it with h itself.
type SignatureToken interface {
	Certificate() *x509.Certificate
	Sign(ctx context.Context, h crypto.Hash, data []byte) ([]byte, error)
}

// ChainProvider is implemented by tokens that know the issuers of their
// certificate.
type ChainProvider interface {
	CertificateChain() []*x509.Certificate
}

// OCSPSource fetches OCSP responses for the signing certificate.
type OCSPSource interface {
	FetchOCSP(ctx context.Context, req *fetchers.OCSPRequest) (*fetchers.OCSPResult, error)
}

// IssuerSource downloads issuer certificates named in the AIA extension.
type IssuerSource interface {
	FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error)
}

// Option configures a Builder, Finalizer or extension run.
type Option func(*services)

// WithTimestamper sets the TSA client used for T and LTA levels.
func WithTimestamper(ts timestamps.Timestamper) Option {
	return func(s *services) { s.tsa = ts }
}

// WithOCSPSource sets the OCSP client used for LT and LT_TM levels.
func WithOCSPSource(src OCSPSource) Option {
	return func(s *services) { s.ocsp = src }
}

// WithIssuerSource sets the AIA client used when the signer's issuer is not
// in the certificate chain.
func WithIssuerSource(src IssuerSource) Option {
	return func(s *services) { s.aia = src }
}

// WithClock sets the clock used for the signing time.
func WithClock(c clockwork.Clock) Option {
	return func(s *services) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *services) { s.logger = l }
}

// services are the network collaborators of signing. Clients not set by an
// option are built from the configuration when first needed.
type services struct {
	cfg    *config.Configuration
	tsa    timestamps.Timestamper
	ocsp   OCSPSource
	aia    IssuerSource
	clock  clockwork.Clock
	logger *slog.Logger
}

func newServices(cfg *config.Configuration, opts []Option) *services {
	if cfg == nil {
		cfg = config.New(config.ModeProd)
	}
	s := &services{cfg: cfg, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *services) fetcherConfig(purpose config.ConnectionPurpose) (*fetchers.FetcherConfig, error) {
	opts := fetchers.OptionsFor(s.cfg, purpose)
	opts.Logger = s.logger
	client, err := fetchers.ConfigureDataLoader(purpose, opts)
	if err != nil {
		return nil, err
	}
	fc := fetchers.DefaultConfig()
	fc.HTTPClient = client
	fc.Logger = s.logger
	return fc, nil
}

func (s *services) timestamper() (timestamps.Timestamper, error) {
	if s.tsa == nil {
		fc, err := s.fetcherConfig(config.PurposeTSP)
		if err != nil {
			return nil, err
		}
		s.tsa = timestamps.NewHTTPTimestamper(s.cfg.TSPSource, fc.HTTPClient)
	}
	return s.tsa, nil
}

func (s *services) ocspSource() (OCSPSource, error) {
	if s.ocsp == nil {
		fc, err := s.fetcherConfig(config.PurposeOCSP)
		if err != nil {
			return nil, err
		}
		s.ocsp = fetchers.NewOCSPFetcher(fc, s.cfg.OCSPSource)
	}
	return s.ocsp, nil
}

func (s *services) issuerSource() (IssuerSource, error) {
	if s.aia == nil {
		fc, err := s.fetcherConfig(config.PurposeAIA)
		if err != nil {
			return nil, err
		}
		s.aia = fetchers.NewAIAFetcher(fc)
	}
	return s.aia, nil
}
