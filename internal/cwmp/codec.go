package cwmp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Codec errors.
var (
	ErrMalformedEnvelope = errors.New("cwmp: malformed SOAP envelope")
	ErrMalformedInform   = errors.New("cwmp: malformed Inform")
)

// Inbound method names the session engine acts on. Anything else parses
// to an opaque envelope with the method name preserved.
const (
	MethodInform                     = "Inform"
	MethodGetParameterValuesResponse = "GetParameterValuesResponse"
	MethodSetParameterValuesResponse = "SetParameterValuesResponse"
	MethodTransferComplete           = "TransferComplete"
	MethodTransferCompleteResponse   = "TransferCompleteResponse"
	MethodGetRPCMethodsResponse      = "GetRPCMethodsResponse"
	MethodRebootResponse             = "RebootResponse"
	MethodFactoryResetResponse       = "FactoryResetResponse"
	MethodFault                      = "Fault"
)

// Envelope is a parsed inbound SOAP envelope.
type Envelope struct {
	// ID is the CWMP header ID, if the CPE sent one.
	ID string
	// Method is the local name of the first element in the SOAP body,
	// or "" for an empty body.
	Method string
	// Body is the raw inner XML of the SOAP body with namespace
	// prefixes stripped.
	Body []byte
}

type soapEnvelope struct {
	XMLName xml.Name    `xml:"Envelope"`
	Header  *soapHeader `xml:"Header"`
	Body    *soapBody   `xml:"Body"`
}

type soapHeader struct {
	ID string `xml:"ID"`
}

type soapBody struct {
	InnerXML []byte `xml:",innerxml"`
}

// ParseEnvelope decodes a SOAP 1.1 envelope carrying one CWMP body
// element. Namespace prefixes are stripped before decoding so that
// envelopes from any CPE vendor unmarshal the same way.
func ParseEnvelope(data []byte) (*Envelope, error) {
	stripped := stripNamespacePrefixes(data)

	var env soapEnvelope
	decoder := xml.NewDecoder(bytes.NewReader(stripped))
	decoder.Strict = false
	if err := decoder.Decode(&env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	if env.Body == nil {
		return nil, ErrMalformedEnvelope
	}

	out := &Envelope{Body: env.Body.InnerXML}
	if env.Header != nil {
		out.ID = strings.TrimSpace(env.Header.ID)
	}
	out.Method = firstElementName(env.Body.InnerXML)
	return out, nil
}

// Inform is a parsed CWMP Inform request.
type Inform struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
	Events       []string
	Parameters   []ParameterValue
}

// ParameterValue is one Name/Value pair from a ParameterList.
type ParameterValue struct {
	Name  string
	Value string
	Type  string
}

type informXML struct {
	XMLName  xml.Name        `xml:"Inform"`
	DeviceID *deviceIDStruct `xml:"DeviceId"`
	Event    struct {
		EventStruct []struct {
			EventCode string `xml:"EventCode"`
		} `xml:"EventStruct"`
	} `xml:"Event"`
	ParameterList parameterListXML `xml:"ParameterList"`
}

type deviceIDStruct struct {
	Manufacturer string `xml:"Manufacturer"`
	OUI          string `xml:"OUI"`
	ProductClass string `xml:"ProductClass"`
	SerialNumber string `xml:"SerialNumber"`
}

type parameterListXML struct {
	ParameterValueStruct []struct {
		Name  string `xml:"Name"`
		Value struct {
			Type string `xml:"type,attr"`
			Text string `xml:",chardata"`
		} `xml:"Value"`
	} `xml:"ParameterValueStruct"`
}

// ParseInform extracts the DeviceId triple, event codes and parameter
// list from the body of an Inform envelope. A missing DeviceId element
// or an empty identity triple fails with ErrMalformedInform.
func ParseInform(env *Envelope) (*Inform, error) {
	if env.Method != MethodInform {
		return nil, ErrMalformedInform
	}

	var raw informXML
	decoder := xml.NewDecoder(bytes.NewReader(env.Body))
	decoder.Strict = false
	if err := decoder.Decode(&raw); err != nil {
		return nil, ErrMalformedInform
	}
	if raw.DeviceID == nil {
		return nil, ErrMalformedInform
	}

	inform := &Inform{
		Manufacturer: strings.TrimSpace(raw.DeviceID.Manufacturer),
		OUI:          strings.TrimSpace(raw.DeviceID.OUI),
		ProductClass: strings.TrimSpace(raw.DeviceID.ProductClass),
		SerialNumber: strings.TrimSpace(raw.DeviceID.SerialNumber),
	}
	if inform.OUI == "" || inform.ProductClass == "" || inform.SerialNumber == "" {
		return nil, ErrMalformedInform
	}

	for _, e := range raw.Event.EventStruct {
		if code := strings.TrimSpace(e.EventCode); code != "" {
			inform.Events = append(inform.Events, code)
		}
	}
	inform.Parameters = convertParameterList(raw.ParameterList)
	return inform, nil
}

// ParseParameterValues extracts the ParameterList of a
// GetParameterValuesResponse body.
func ParseParameterValues(env *Envelope) ([]ParameterValue, error) {
	var raw struct {
		XMLName       xml.Name         `xml:"GetParameterValuesResponse"`
		ParameterList parameterListXML `xml:"ParameterList"`
	}
	decoder := xml.NewDecoder(bytes.NewReader(env.Body))
	decoder.Strict = false
	if err := decoder.Decode(&raw); err != nil {
		return nil, ErrMalformedEnvelope
	}
	return convertParameterList(raw.ParameterList), nil
}

// Fault is a CWMP-level fault carried in a SOAP Fault detail.
type Fault struct {
	Code   string
	Detail string
}

// ParseFault pulls the CWMP fault code and string out of a SOAP Fault
// body. The raw body is preserved as the detail when the CWMP detail
// block is absent.
func ParseFault(env *Envelope) *Fault {
	var raw struct {
		XMLName xml.Name `xml:"Fault"`
		Detail  struct {
			Fault struct {
				FaultCode   string `xml:"FaultCode"`
				FaultString string `xml:"FaultString"`
			} `xml:"Fault"`
		} `xml:"detail"`
	}
	decoder := xml.NewDecoder(bytes.NewReader(env.Body))
	decoder.Strict = false
	if err := decoder.Decode(&raw); err != nil {
		return &Fault{Detail: string(env.Body)}
	}
	f := &Fault{
		Code:   strings.TrimSpace(raw.Detail.Fault.FaultCode),
		Detail: strings.TrimSpace(raw.Detail.Fault.FaultString),
	}
	if f.Code == "" && f.Detail == "" {
		f.Detail = string(env.Body)
	}
	return f
}

func convertParameterList(list parameterListXML) []ParameterValue {
	var out []ParameterValue
	for _, p := range list.ParameterValueStruct {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		out = append(out, ParameterValue{
			Name:  name,
			Value: strings.TrimSpace(p.Value.Text),
			Type:  strings.TrimSpace(p.Value.Type),
		})
	}
	return out
}

// stripNamespacePrefixes removes the common SOAP/CWMP namespace
// prefixes so that one set of xml struct tags covers every vendor's
// prefix choice.
func stripNamespacePrefixes(data []byte) []byte {
	s := string(data)
	for _, prefix := range []string{"soap-env:", "SOAP-ENV:", "soapenv:", "soap:", "cwmp:"} {
		s = strings.ReplaceAll(s, prefix, "")
	}
	return []byte(s)
}

// firstElementName returns the local name of the first start element in
// the fragment, or "" if there is none.
func firstElementName(fragment []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(fragment))
	decoder.Strict = false
	for {
		tok, err := decoder.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}
