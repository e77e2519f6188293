package fetchers

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

// OIDOCSPNonce is id-pkix-ocsp-nonce (RFC 8954).
var OIDOCSPNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

type ocspRequestASN1 struct {
	TBSRequest tbsRequestASN1
}

type tbsRequestASN1 struct {
	Version     int             `asn1:"explicit,tag:0,default:0,optional"`
	RequestList []asn1.RawValue
	Extensions  []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type responseDataASN1 struct {
	Version            int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID     asn1.RawValue
	ProducedAt         time.Time `asn1:"generalized"`
	Responses          []asn1.RawValue
	ResponseExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

// AddRequestNonce adds a nonce extension to a DER encoded OCSP request built by
// ocsp.CreateRequest.
func AddRequestNonce(der, nonce []byte) ([]byte, error) {
	var req ocspRequestASN1
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to decode OCSP request: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP request")
	}
	value, err := asn1.Marshal(nonce)
	if err != nil {
		return nil, err
	}
	req.TBSRequest.Extensions = append(req.TBSRequest.Extensions, pkix.Extension{Id: OIDOCSPNonce, Value: value})
	return asn1.Marshal(req)
}

// RequestNonce extracts the nonce of a DER encoded OCSP request.
func RequestNonce(der []byte) ([]byte, bool) {
	var req ocspRequestASN1
	if _, err := asn1.Unmarshal(der, &req); err != nil {
		return nil, false
	}
	return nonceFrom(req.TBSRequest.Extensions)
}

// ResponseNonce extracts the nonce echoed in an OCSP response, looking at the
// response extensions first and the single response extensions second.
func ResponseNonce(resp *ocsp.Response) ([]byte, bool) {
	if resp == nil {
		return nil, false
	}
	var data responseDataASN1
	if _, err := asn1.Unmarshal(resp.TBSResponseData, &data); err == nil {
		if nonce, ok := nonceFrom(data.ResponseExtensions); ok {
			return nonce, true
		}
	}
	return nonceFrom(resp.Extensions)
}

func nonceFrom(exts []pkix.Extension) ([]byte, bool) {
	for _, ext := range exts {
		if !ext.Id.Equal(OIDOCSPNonce) {
			continue
		}
		var nonce []byte
		if _, err := asn1.Unmarshal(ext.Value, &nonce); err != nil {
			// Some responders put the raw nonce in extnValue.
			return ext.Value, true
		}
		return nonce, true
	}
	return nil, false
}
