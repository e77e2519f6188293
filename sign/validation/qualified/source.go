package qualified

import (
	"crypto/x509"
	"strings"
)

// PointerPredicate selects OtherTSLPointer entries.
type PointerPredicate func(p *PointerInfo) bool

// EULOTLPointer matches pointers to an EU list of the lists.
func EULOTLPointer(p *PointerInfo) bool { return p.TSLType == EULOTLType }

// EUTLPointer matches pointers to an EU member state list.
func EUTLPointer(p *PointerInfo) bool { return p.TSLType == EUGenericType }

// XMLPointer matches pointers whose list is published as XML.
func XMLPointer(p *PointerInfo) bool { return p.MimeType == ETSITSLMimeType }

// TerritoryPointer matches pointers for one of the given territory codes.
func TerritoryPointer(territories ...string) PointerPredicate {
	set := make(map[string]bool, len(territories))
	for _, t := range territories {
		set[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	return func(p *PointerInfo) bool { return set[p.Territory] }
}

// AllOf matches when every predicate matches.
func AllOf(preds ...PointerPredicate) PointerPredicate {
	return func(p *PointerInfo) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// TrustedListSource describes where the trust hierarchy starts and which
// lists below it are followed.
type TrustedListSource struct {
	LOTLURL string
	// LOTLCertificates verify the LOTL, or the oldest pivot when pivots are
	// followed.
	LOTLCertificates []*x509.Certificate
	PivotSupport     bool
	// LOTLPredicate picks the LOTL self-reference inside a LOTL or pivot.
	// It is never narrowed by territory.
	LOTLPredicate PointerPredicate
	// TLPredicate picks the territory lists to load.
	TLPredicate        PointerPredicate
	TrustedTerritories []string
}

// NewTrustedListSource builds a source with the EU predicates. A non-empty
// territory set narrows TLPredicate only.
func NewTrustedListSource(url string, certs []*x509.Certificate, pivotSupport bool, territories []string) *TrustedListSource {
	src := &TrustedListSource{
		LOTLURL:            url,
		LOTLCertificates:   certs,
		PivotSupport:       pivotSupport,
		LOTLPredicate:      AllOf(EULOTLPointer, XMLPointer),
		TLPredicate:        AllOf(EUTLPointer, XMLPointer),
		TrustedTerritories: territories,
	}
	if len(territories) > 0 {
		src.TLPredicate = AllOf(TerritoryPointer(territories...), EUTLPointer, XMLPointer)
	}
	return src
}
