// Package qualified loads the EU list of trusted lists (LOTL) and the
// territory trusted lists it points to, and keeps the trust store fed with
// the service certificates they publish.
package qualified

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// URI bases for ETSI trust service identifiers.
const (
	TrstSvcURIBase     = "http://uri.etsi.org/TrstSvc"
	TrustedListURIBase = TrstSvcURIBase + "/TrustedList"
	SvcInfoExtURIBase  = TrustedListURIBase + "/SvcInfoExt"

	// TSL types carried by OtherTSLPointer entries.
	EULOTLType    = TrustedListURIBase + "/TSLType/EUlistofthelists"
	EUGenericType = TrustedListURIBase + "/TSLType/EUgeneric"

	ETSITSLMimeType = "application/vnd.etsi.tsl+xml"

	CAQCUri   = TrstSvcURIBase + "/Svctype/CA/QC"
	QTSTUri   = TrstSvcURIBase + "/Svctype/TSA/QTST"
	OCSPQCUri = TrstSvcURIBase + "/Svctype/Certstatus/OCSP/QC"

	StatusGrantedURI   = TrustedListURIBase + "/Svcstatus/granted"
	StatusWithdrawnURI = TrustedListURIBase + "/Svcstatus/withdrawn"
)

// Service statuses whose certificates are withdrawn from the trust store.
var inactiveStatuses = map[string]bool{
	StatusWithdrawnURI: true,
	TrustedListURIBase + "/Svcstatus/deprecatedatnationallevel": true,
	TrustedListURIBase + "/Svcstatus/supervisionrevoked":        true,
	TrustedListURIBase + "/Svcstatus/accreditationrevoked":      true,
}

// QcCertType is the certificate purpose a CA/QC service is qualified for.
type QcCertType string

const (
	QcCertTypeEsign QcCertType = "qct_esign"
	QcCertTypeEseal QcCertType = "qct_eseal"
	QcCertTypeWeb   QcCertType = "qct_web"
)

// QcCertTypeFromURI maps an AdditionalServiceInformation URI.
func QcCertTypeFromURI(uri string) (QcCertType, bool) {
	switch uri {
	case SvcInfoExtURIBase + "/ForeSignatures":
		return QcCertTypeEsign, true
	case SvcInfoExtURIBase + "/ForeSeals":
		return QcCertTypeEseal, true
	case SvcInfoExtURIBase + "/ForWebSiteAuthentication":
		return QcCertTypeWeb, true
	default:
		return "", false
	}
}

// ETSI TS 119 612 XML structures. Only the elements read by the loader are
// mapped.

// TrustServiceStatusList is the root element of a trusted list.
type TrustServiceStatusList struct {
	XMLName           xml.Name               `xml:"TrustServiceStatusList"`
	SchemeInformation *TSLSchemeInformation  `xml:"SchemeInformation"`
	TSPList           *TrustServiceProviders `xml:"TrustServiceProviderList"`
}

// TSLSchemeInformation contains scheme-level information.
type TSLSchemeInformation struct {
	TSLSequenceNumber    int                 `xml:"TSLSequenceNumber"`
	TSLType              string              `xml:"TSLType"`
	SchemeOperatorName   *InternationalNames `xml:"SchemeOperatorName"`
	SchemeInformationURI *NonEmptyURIList    `xml:"SchemeInformationURI"`
	SchemeTerritory      string              `xml:"SchemeTerritory"`
	PointersToOtherTSL   *OtherTSLPointers   `xml:"PointersToOtherTSL"`
	ListIssueDateTime    string              `xml:"ListIssueDateTime"`
	NextUpdate           *NextUpdate         `xml:"NextUpdate"`
}

// InternationalNames contains multilingual names.
type InternationalNames struct {
	Name []MultiLangString `xml:"Name"`
}

// MultiLangString is a string with an xml:lang attribute.
type MultiLangString struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

// NonEmptyURIList contains a list of URIs.
type NonEmptyURIList struct {
	URI []MultiLangString `xml:"URI"`
}

// NextUpdate holds the next scheduled issue of the list.
type NextUpdate struct {
	DateTime string `xml:"dateTime"`
}

// OtherTSLPointers contains pointers to other trusted lists.
type OtherTSLPointers struct {
	OtherTSLPointer []OtherTSLPointer `xml:"OtherTSLPointer"`
}

// OtherTSLPointer is a pointer to another trusted list.
type OtherTSLPointer struct {
	ServiceDigitalIdentities *ServiceDigitalIdentities `xml:"ServiceDigitalIdentities"`
	TSLLocation              string                    `xml:"TSLLocation"`
	AdditionalInformation    *AdditionalInformation    `xml:"AdditionalInformation"`
}

// ServiceDigitalIdentities contains digital identities.
type ServiceDigitalIdentities struct {
	ServiceDigitalIdentity []ServiceDigitalIdentity `xml:"ServiceDigitalIdentity"`
}

// ServiceDigitalIdentity contains a digital identity.
type ServiceDigitalIdentity struct {
	DigitalId []DigitalIdentity `xml:"DigitalId"`
}

// DigitalIdentity represents a digital identity.
type DigitalIdentity struct {
	X509Certificate string `xml:"X509Certificate"`
	X509SubjectName string `xml:"X509SubjectName"`
}

// AdditionalInformation contains additional pointer information.
type AdditionalInformation struct {
	OtherInformation []OtherInformation `xml:"OtherInformation"`
}

// OtherInformation holds one piece of pointer metadata.
type OtherInformation struct {
	TSLType            string              `xml:"TSLType"`
	SchemeTerritory    string              `xml:"SchemeTerritory"`
	MimeType           string              `xml:"MimeType"`
	SchemeOperatorName *InternationalNames `xml:"SchemeOperatorName"`
}

// TrustServiceProviders contains the list of TSPs.
type TrustServiceProviders struct {
	TSP []TrustServiceProviderXML `xml:"TrustServiceProvider"`
}

// TrustServiceProviderXML represents a trust service provider.
type TrustServiceProviderXML struct {
	TSPInformation *TSPInformationXML `xml:"TSPInformation"`
	TSPServices    *TSPServicesXML    `xml:"TSPServices"`
}

// TSPInformationXML contains TSP information.
type TSPInformationXML struct {
	TSPName *InternationalNames `xml:"TSPName"`
}

// TSPServicesXML contains TSP services.
type TSPServicesXML struct {
	TSPService []TSPServiceXML `xml:"TSPService"`
}

// TSPServiceXML represents a TSP service.
type TSPServiceXML struct {
	ServiceInformation *ServiceInformationXML `xml:"ServiceInformation"`
}

// ServiceInformationXML contains service information.
type ServiceInformationXML struct {
	ServiceTypeIdentifier        string                  `xml:"ServiceTypeIdentifier"`
	ServiceName                  *InternationalNames     `xml:"ServiceName"`
	ServiceDigitalIdentity       *ServiceDigitalIdentity `xml:"ServiceDigitalIdentity"`
	ServiceStatus                string                  `xml:"ServiceStatus"`
	StatusStartingTime           string                  `xml:"StatusStartingTime"`
	ServiceInformationExtensions *ServiceExtensionsXML   `xml:"ServiceInformationExtensions"`
}

// ServiceExtensionsXML contains service extensions.
type ServiceExtensionsXML struct {
	Extension []ExtensionXML `xml:"Extension"`
}

// ExtensionXML represents a service extension.
type ExtensionXML struct {
	AdditionalServiceInformation *AdditionalServiceInfoXML `xml:"AdditionalServiceInformation"`
}

// AdditionalServiceInfoXML contains additional service information.
type AdditionalServiceInfoXML struct {
	URI string `xml:"URI"`
}

// PointerInfo is a flattened OtherTSLPointer.
type PointerInfo struct {
	Location     string
	TSLType      string
	MimeType     string
	Territory    string
	OperatorName string
	Certificates []*x509.Certificate
}

// TrustService is one service entry of a territory list.
type TrustService struct {
	Provider     string
	Name         string
	Type         string
	Status       string
	StatusStart  time.Time
	Territory    string
	CertTypes    []QcCertType
	Certificates []*x509.Certificate
}

// Active reports whether the service status keeps its certificates trusted.
func (s *TrustService) Active() bool {
	return !inactiveStatuses[s.Status]
}

// QualifiedFor reports whether a CA/QC service issues certificates of type t.
// A service without AdditionalServiceInformation is qualified for every type.
func (s *TrustService) QualifiedFor(t QcCertType) bool {
	if s.Type != CAQCUri {
		return false
	}
	if len(s.CertTypes) == 0 {
		return true
	}
	for _, ct := range s.CertTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// TrustedList is a parsed LOTL or territory list.
type TrustedList struct {
	Location       string
	Type           string
	Territory      string
	OperatorName   string
	SequenceNumber int
	IssueDate      time.Time
	NextUpdate     time.Time
	Pointers       []*PointerInfo
	// PivotURLs lists LOTL pivots, newest first as published.
	PivotURLs []string
	Services  []*TrustService
	// SigningCertificate is set once the list signature has been verified.
	SigningCertificate *x509.Certificate
}

// Expired reports whether the list's NextUpdate lies before now. A list
// without NextUpdate is a closed list and always expired.
func (tl *TrustedList) Expired(now time.Time) bool {
	return tl.NextUpdate.IsZero() || !now.Before(tl.NextUpdate)
}

// ParseTrustedList decodes a trusted list without verifying its signature.
func ParseTrustedList(data []byte, location string) (*TrustedList, error) {
	var tsl TrustServiceStatusList
	if err := xml.Unmarshal(data, &tsl); err != nil {
		return nil, fmt.Errorf("failed to parse trusted list XML: %w", err)
	}
	si := tsl.SchemeInformation
	if si == nil {
		return nil, fmt.Errorf("trusted list %s: no scheme information found", location)
	}

	tl := &TrustedList{
		Location:       location,
		Type:           strings.TrimSpace(si.TSLType),
		Territory:      strings.ToUpper(strings.TrimSpace(si.SchemeTerritory)),
		SequenceNumber: si.TSLSequenceNumber,
	}
	if si.SchemeOperatorName != nil {
		tl.OperatorName = pickName(si.SchemeOperatorName.Name)
	}
	if si.ListIssueDateTime != "" {
		t, err := parseDateTime(si.ListIssueDateTime)
		if err != nil {
			return nil, fmt.Errorf("trusted list %s: %w", location, err)
		}
		tl.IssueDate = t
	}
	if si.NextUpdate != nil && strings.TrimSpace(si.NextUpdate.DateTime) != "" {
		t, err := parseDateTime(si.NextUpdate.DateTime)
		if err != nil {
			return nil, fmt.Errorf("trusted list %s: %w", location, err)
		}
		tl.NextUpdate = t
	}

	if si.SchemeInformationURI != nil {
		for _, uri := range si.SchemeInformationURI.URI {
			v := strings.TrimSpace(uri.Value)
			if strings.HasSuffix(v, ".xml") && v != location {
				tl.PivotURLs = append(tl.PivotURLs, v)
			}
		}
	}

	if si.PointersToOtherTSL != nil {
		for _, p := range si.PointersToOtherTSL.OtherTSLPointer {
			if ptr := flattenPointer(p); ptr != nil {
				tl.Pointers = append(tl.Pointers, ptr)
			}
		}
	}

	if tsl.TSPList != nil {
		for _, tsp := range tsl.TSPList.TSP {
			tl.Services = append(tl.Services, readServices(tsp, tl.Territory)...)
		}
	}
	return tl, nil
}

func flattenPointer(p OtherTSLPointer) *PointerInfo {
	location := strings.TrimSpace(p.TSLLocation)
	if location == "" {
		return nil
	}
	ptr := &PointerInfo{Location: location}
	if p.AdditionalInformation != nil {
		for _, other := range p.AdditionalInformation.OtherInformation {
			if other.TSLType != "" {
				ptr.TSLType = strings.TrimSpace(other.TSLType)
			}
			if other.SchemeTerritory != "" {
				ptr.Territory = strings.ToUpper(strings.TrimSpace(other.SchemeTerritory))
			}
			if other.MimeType != "" {
				ptr.MimeType = strings.TrimSpace(other.MimeType)
			}
			if other.SchemeOperatorName != nil {
				ptr.OperatorName = pickName(other.SchemeOperatorName.Name)
			}
		}
	}
	if p.ServiceDigitalIdentities != nil {
		for _, sdi := range p.ServiceDigitalIdentities.ServiceDigitalIdentity {
			ptr.Certificates = append(ptr.Certificates, parseDigitalIdentity(&sdi)...)
		}
	}
	return ptr
}

func readServices(tsp TrustServiceProviderXML, territory string) []*TrustService {
	if tsp.TSPServices == nil {
		return nil
	}
	provider := ""
	if tsp.TSPInformation != nil && tsp.TSPInformation.TSPName != nil {
		provider = pickName(tsp.TSPInformation.TSPName.Name)
	}

	var services []*TrustService
	for _, svc := range tsp.TSPServices.TSPService {
		info := svc.ServiceInformation
		if info == nil {
			continue
		}
		s := &TrustService{
			Provider:     provider,
			Type:         strings.TrimSpace(info.ServiceTypeIdentifier),
			Status:       strings.TrimSpace(info.ServiceStatus),
			Territory:    territory,
			Certificates: parseDigitalIdentity(info.ServiceDigitalIdentity),
		}
		if info.ServiceName != nil {
			s.Name = pickName(info.ServiceName.Name)
		}
		if t, err := parseDateTime(info.StatusStartingTime); err == nil {
			s.StatusStart = t
		}
		if ext := info.ServiceInformationExtensions; ext != nil {
			for _, e := range ext.Extension {
				if e.AdditionalServiceInformation == nil {
					continue
				}
				if ct, ok := QcCertTypeFromURI(strings.TrimSpace(e.AdditionalServiceInformation.URI)); ok {
					s.CertTypes = append(s.CertTypes, ct)
				}
			}
		}
		services = append(services, s)
	}
	return services
}

// parseDigitalIdentity decodes the X.509 certificates of a digital identity.
// Entries that do not decode are skipped.
func parseDigitalIdentity(sdi *ServiceDigitalIdentity) []*x509.Certificate {
	if sdi == nil {
		return nil
	}
	var certs []*x509.Certificate
	for _, did := range sdi.DigitalId {
		if did.X509Certificate == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(did.X509Certificate), ""))
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// preferredLanguages orders the languages used for multilingual names.
var preferredLanguages = []language.Tag{language.English}

// pickName selects the best matching name, falling back to the first one.
func pickName(names []MultiLangString) string {
	if len(names) == 0 {
		return ""
	}
	tags := make([]language.Tag, len(names))
	for i, n := range names {
		tag, err := language.Parse(strings.TrimSpace(n.Lang))
		if err != nil {
			tag = language.Und
		}
		tags[i] = tag
	}
	_, idx, conf := language.NewMatcher(tags).Match(preferredLanguages...)
	if conf == language.No {
		idx = 0
	}
	return strings.TrimSpace(names[idx].Value)
}

// parseDateTime parses an xsd:dateTime value.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	for _, format := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime: %s", s)
}
