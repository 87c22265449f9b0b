package cwmp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Outbound envelope builders. Envelopes are emitted from templates
// because the wire format needs SOAP-encoding attributes
// (soap:arrayType, xsi:type) that encoding/xml cannot produce cleanly.

const envelopeOpen = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:cwmp="urn:dslforum-org:cwmp-1-0"
               xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
               xmlns:xsd="http://www.w3.org/2001/XMLSchema">`

// rpcHeader carries the CWMP ID every outbound RPC request must have.
// InformResponse and empty envelopes omit it.
func rpcHeader() string {
	return fmt.Sprintf(`
  <soap:Header>
    <cwmp:ID soap:mustUnderstand="1">%s</cwmp:ID>
  </soap:Header>`, uuid.NewString())
}

// NewInformResponse builds the InformResponse envelope. MaxEnvelopes is
// always 1; multi-envelope sessions are not supported.
func NewInformResponse() []byte {
	return []byte(envelopeOpen + `
  <soap:Body>
    <cwmp:InformResponse>
      <MaxEnvelopes>1</MaxEnvelopes>
    </cwmp:InformResponse>
  </soap:Body>
</soap:Envelope>`)
}

// NewEmptyEnvelope builds an envelope with an empty body, used to close
// a session or answer methods the server does not act on.
func NewEmptyEnvelope() []byte {
	return []byte(envelopeOpen + `
  <soap:Body></soap:Body>
</soap:Envelope>`)
}

// NewGetParameterValues builds a GetParameterValues request for the
// given parameter names, in order.
func NewGetParameterValues(names []string) []byte {
	var params bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&params, "\n        <string>%s</string>", xmlEscape(name))
	}
	return []byte(fmt.Sprintf(envelopeOpen+`%s
  <soap:Body>
    <cwmp:GetParameterValues>
      <ParameterNames soap:arrayType="xsd:string[%d]">%s
      </ParameterNames>
    </cwmp:GetParameterValues>
  </soap:Body>
</soap:Envelope>`, rpcHeader(), len(names), params.String()))
}

// NewSetParameterValues builds a SetParameterValues request. Values are
// written as xsd:string; map iteration is sorted so the envelope is
// deterministic. ParameterKey stays empty.
func NewSetParameterValues(values map[string]string) []byte {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var params bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&params, `
        <ParameterValueStruct>
          <Name>%s</Name>
          <Value xsi:type="xsd:string">%s</Value>
        </ParameterValueStruct>`, xmlEscape(name), xmlEscape(values[name]))
	}
	return []byte(fmt.Sprintf(envelopeOpen+`%s
  <soap:Body>
    <cwmp:SetParameterValues>
      <ParameterList soap:arrayType="cwmp:ParameterValueStruct[%d]">%s
      </ParameterList>
      <ParameterKey></ParameterKey>
    </cwmp:SetParameterValues>
  </soap:Body>
</soap:Envelope>`, rpcHeader(), len(values), params.String()))
}

// NewReboot builds a Reboot request with a CommandKey derived from the
// current UTC epoch.
func NewReboot(now time.Time) []byte {
	return []byte(fmt.Sprintf(envelopeOpen+`%s
  <soap:Body>
    <cwmp:Reboot>
      <CommandKey>reboot_%d</CommandKey>
    </cwmp:Reboot>
  </soap:Body>
</soap:Envelope>`, rpcHeader(), now.UTC().Unix()))
}

// NewFactoryReset builds a FactoryReset request.
func NewFactoryReset() []byte {
	return []byte(fmt.Sprintf(envelopeOpen+`%s
  <soap:Body>
    <cwmp:FactoryReset/>
  </soap:Body>
</soap:Envelope>`, rpcHeader()))
}

// NewTransferCompleteResponse acknowledges a TransferComplete from the
// CPE.
func NewTransferCompleteResponse() []byte {
	return []byte(envelopeOpen + `
  <soap:Body>
    <cwmp:TransferCompleteResponse></cwmp:TransferCompleteResponse>
  </soap:Body>
</soap:Envelope>`)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
