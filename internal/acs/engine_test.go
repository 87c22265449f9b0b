package acs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
	"tr069-acs/internal/tasks"
)

const testRemoteAddr = "203.0.113.10:50000"

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, nil, zerolog.Nop(), 30*time.Second), s
}

func post(t *testing.T, e *Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/cwmp", strings.NewReader(body))
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func informXML(serial string) string {
	return fmt.Sprintf(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
  <soapenv:Header><cwmp:ID soapenv:mustUnderstand="1">42</cwmp:ID></soapenv:Header>
  <soapenv:Body>
    <cwmp:Inform>
      <DeviceId>
        <Manufacturer>ACME</Manufacturer>
        <OUI>AABBCC</OUI>
        <ProductClass>Router</ProductClass>
        <SerialNumber>%s</SerialNumber>
      </DeviceId>
      <Event>
        <EventStruct><EventCode>1 BOOT</EventCode></EventStruct>
      </Event>
      <ParameterList>
        <ParameterValueStruct>
          <Name>Device.DeviceInfo.SoftwareVersion</Name>
          <Value xsi:type="xsd:string">v1.2.3</Value>
        </ParameterValueStruct>
        <ParameterValueStruct>
          <Name>Device.ManagementServer.ConnectionRequestURL</Name>
          <Value xsi:type="xsd:string">http://10.0.0.5:7547/cr</Value>
        </ParameterValueStruct>
      </ParameterList>
    </cwmp:Inform>
  </soapenv:Body>
</soapenv:Envelope>`, serial)
}

func TestFirstContact(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	rec := post(t, e, informXML("SN1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/xml")
	assert.Contains(t, rec.Body.String(), "InformResponse")
	assert.Contains(t, rec.Body.String(), "<MaxEnvelopes>1</MaxEnvelopes>")

	device, err := s.GetDevice(ctx, "AABBCC-Router-SN1")
	require.NoError(t, err)
	assert.True(t, device.Online)
	assert.Equal(t, "203.0.113.10", device.IPAddress)
	assert.Equal(t, "v1.2.3", device.SoftwareVersion)
	assert.Equal(t, "http://10.0.0.5:7547/cr", device.ConnectionRequestURL)
	require.NotNil(t, device.LastInform)

	params, err := s.GetParameters(ctx, device.ID)
	require.NoError(t, err)
	assert.Len(t, params, 2)

	sessions, err := s.ListSessions(ctx, device.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, []string{"1 BOOT"}, sessions[0].Events)

	events, err := s.ListDeviceEvents(ctx, device.ID, 10)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, models.EventRegistered)
	assert.Contains(t, kinds, models.EventInform)
}

func TestRepeatInformDoesNotDuplicate(t *testing.T) {
	e, s := newTestEngine(t)

	post(t, e, informXML("SN1"))
	post(t, e, informXML("SN1"))

	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRebootDispatchAndAck(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	task, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskReboot})
	require.NoError(t, err)

	// The next Inform carries the Reboot RPC instead of InformResponse.
	rec := post(t, e, informXML("SN1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<cwmp:Reboot>")
	assert.Contains(t, rec.Body.String(), "<CommandKey>reboot_")

	sent, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSent, sent.Status)

	// While the reboot is in flight, another Inform gets InformResponse.
	rec = post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "InformResponse")
	assert.NotContains(t, rec.Body.String(), "Reboot")

	// RebootResponse completes the task and ends the session.
	rec = post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:RebootResponse></cwmp:RebootResponse></soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")

	done, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
}

func TestGetParamsRoundTrip(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	task, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{
		Type:       models.TaskGetParams,
		Parameters: json.RawMessage(`{"names":["Device.WiFi.SSID.1.SSID"]}`),
	})
	require.NoError(t, err)

	rec := post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "<cwmp:GetParameterValues>")
	assert.Contains(t, rec.Body.String(), "<string>Device.WiFi.SSID.1.SSID</string>")

	rec = post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <cwmp:GetParameterValuesResponse>
      <ParameterList>
        <ParameterValueStruct>
          <Name>Device.WiFi.SSID.1.SSID</Name>
          <Value xsi:type="xsd:string">HomeNet</Value>
        </ParameterValueStruct>
      </ParameterList>
    </cwmp:GetParameterValuesResponse>
  </soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")

	done, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.JSONEq(t, `{"count":1}`, string(done.Result))

	params, err := s.GetParameters(ctx, "AABBCC-Router-SN1")
	require.NoError(t, err)
	found := false
	for _, p := range params {
		if p.Name == "Device.WiFi.SSID.1.SSID" {
			found = true
			assert.Equal(t, "HomeNet", p.Value)
		}
	}
	assert.True(t, found)
}

func TestSetParamsDispatchAndAck(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	task, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{
		Type:       models.TaskSetParams,
		Parameters: json.RawMessage(`{"values":{"Device.WiFi.SSID.1.SSID":"NewNet"}}`),
	})
	require.NoError(t, err)

	rec := post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "<cwmp:SetParameterValues>")
	assert.Contains(t, rec.Body.String(), `<Value xsi:type="xsd:string">NewNet</Value>`)

	rec = post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:SetParameterValuesResponse><Status>0</Status></cwmp:SetParameterValuesResponse></soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)

	done, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
}

func TestFaultFailsTask(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	task, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{
		Type:       models.TaskSetParams,
		Parameters: json.RawMessage(`{"values":{"Device.X":"y"}}`),
	})
	require.NoError(t, err)
	post(t, e, informXML("SN1"))

	rec := post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <soapenv:Fault>
      <faultcode>Client</faultcode>
      <detail>
        <cwmp:Fault>
          <FaultCode>9005</FaultCode>
          <FaultString>Invalid parameter name</FaultString>
        </cwmp:Fault>
      </detail>
    </soapenv:Fault>
  </soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)

	failed, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, failed.Status)
	assert.Contains(t, failed.Error, "9005")
	assert.Contains(t, string(failed.Result), "Invalid parameter name")
}

func TestTaskFIFOAcrossSessions(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	first, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskReboot})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskFactoryReset})
	require.NoError(t, err)

	rec := post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "Reboot")

	post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:RebootResponse/></soapenv:Body>
</soapenv:Envelope>`)

	// The next session picks up the second task.
	rec = post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "FactoryReset")

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	got, err = s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSent, got.Status)
}

func TestDispatchBlockedByConcurrentPromotion(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	first, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskReboot})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskFactoryReset})
	require.NoError(t, err)

	// Another session wins the head-of-queue promotion just before this
	// Inform is processed.
	require.NoError(t, s.AdvanceTaskStatus(ctx, first.ID, models.TaskPending, models.TaskSent, nil, ""))

	// The losing session must not promote the next task on top of the
	// one already in flight.
	rec := post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "InformResponse")
	assert.NotContains(t, rec.Body.String(), "FactoryReset")

	got, err := s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestTransferCompleteResponseLeavesTasksAlone(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	q := tasks.NewQueue(s)

	post(t, e, informXML("SN1"))
	task, err := q.Enqueue(ctx, "AABBCC-Router-SN1", tasks.Request{Type: models.TaskReboot})
	require.NoError(t, err)
	post(t, e, informXML("SN1"))

	// An unsolicited TransferCompleteResponse closes the session but
	// must not complete the in-flight reboot.
	rec := post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:TransferCompleteResponse/></soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSent, got.Status)

	sessions, err := s.ListSessions(ctx, "AABBCC-Router-SN1")
	require.NoError(t, err)
	require.NotEmpty(t, sessions)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestUndeliverablePayloadFailsTask(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	post(t, e, informXML("SN1"))

	// Written past the queue's validation, e.g. by an older version.
	task := &models.Task{
		DeviceID:   "AABBCC-Router-SN1",
		Type:       models.TaskGetParams,
		Parameters: json.RawMessage(`{"names":[]}`),
	}
	require.NoError(t, s.CreateTask(ctx, task, time.Now()))

	rec := post(t, e, informXML("SN1"))
	assert.Contains(t, rec.Body.String(), "InformResponse")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestMalformedEnvelope(t *testing.T) {
	e, s := newTestEngine(t)

	rec := post(t, e, "this is not SOAP")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")

	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestInformMissingDeviceID(t *testing.T) {
	e, s := newTestEngine(t)

	rec := post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:Inform><Event></Event></cwmp:Inform></soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestEmptyPostClosesSession(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	post(t, e, informXML("SN1"))
	rec := post(t, e, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")

	sessions, err := s.ListSessions(ctx, "AABBCC-Router-SN1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestUnknownMethodIgnored(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := post(t, e, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body><cwmp:GetRPCMethods/></soapenv:Body>
</soapenv:Envelope>`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<soap:Body></soap:Body>")
}
