package sign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign/xades"
)

// ExtendSignatures raises every signature in c to profile. Only LT and LTA
// are reachable; time-mark signatures cannot be extended. No signature is
// changed when any of them already has the requested profile.
func ExtendSignatures(ctx context.Context, c *container.Container, cfg *config.Configuration, profile xades.Profile, opts ...Option) ([]*Signature, error) {
	svc := newServices(cfg, opts)
	if profile != xades.ProfileLT && profile != xades.ProfileLTA {
		return nil, fmt.Errorf("%w: to %s", ErrNotSupportedExtension, profile)
	}

	type parsedEntry struct {
		entry container.SignatureEntry
		sigs  []*xades.ParsedSignature
	}
	var entries []parsedEntry
	for _, entry := range c.Signatures() {
		sigs, err := xades.ParseAll(entry.Data, xades.WithTimeMarkPolicy(svc.cfg.Signature.TimeMarkPolicyOID))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name, err)
		}
		for _, s := range sigs {
			if s.Profile == profile {
				return nil, fmt.Errorf("%w: %s is %s", ErrSameProfile, s.ID, profile)
			}
			if s.Profile == xades.ProfileTimeMark || (s.Profile == xades.ProfileLTA && profile == xades.ProfileLT) {
				return nil, fmt.Errorf("%w: %s from %s to %s", ErrNotSupportedExtension, s.ID, s.Profile, profile)
			}
		}
		entries = append(entries, parsedEntry{entry: entry, sigs: sigs})
	}

	svc.logger.Info("extending signatures", slog.String("profile", profile.String()), slog.Int("files", len(entries)))
	files := c.DataFiles()
	var out []*Signature
	for _, pe := range entries {
		var doc *xades.SignatureDocument
		for _, s := range pe.sigs {
			doc = s.Document()
			ext := &extender{svc: svc, chain: s.CertificateChain}
			if err := ext.extend(ctx, doc, files, s.Profile, profile); err != nil {
				return nil, fmt.Errorf("extend %s: %w", s.ID, err)
			}
		}
		data, err := doc.Bytes()
		if err != nil {
			return nil, err
		}
		extended, err := xades.ParseAll(data, xades.WithTimeMarkPolicy(svc.cfg.Signature.TimeMarkPolicyOID))
		if err != nil {
			return nil, err
		}
		if err := c.ReplaceSignature(pe.entry.Name, data); err != nil {
			return nil, err
		}
		for _, s := range extended {
			out = append(out, &Signature{ParsedSignature: s, FileName: pe.entry.Name})
		}
	}
	return out, nil
}

// OpenAdESSignature parses a detached signature document and classifies it
// with the time-mark policy of cfg.
func OpenAdESSignature(cfg *config.Configuration, data []byte, opts ...Option) (*Signature, error) {
	return openSignature(newServices(cfg, opts), data)
}
