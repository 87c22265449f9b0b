package cwmp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInformResponse(t *testing.T) {
	body := NewInformResponse()

	assert.Contains(t, string(body), "<cwmp:InformResponse>")
	assert.Contains(t, string(body), "<MaxEnvelopes>1</MaxEnvelopes>")
	assert.NotContains(t, string(body), "<soap:Header>")

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "InformResponse", env.Method)
}

func TestNewEmptyEnvelope(t *testing.T) {
	env, err := ParseEnvelope(NewEmptyEnvelope())
	require.NoError(t, err)
	assert.Empty(t, env.Method)
}

func TestNewGetParameterValues(t *testing.T) {
	names := []string{
		"Device.WiFi.SSID.1.SSID",
		"Device.DeviceInfo.UpTime",
	}
	body := NewGetParameterValues(names)
	s := string(body)

	assert.Contains(t, s, `soap:arrayType="xsd:string[2]"`)
	assert.Contains(t, s, "<string>Device.WiFi.SSID.1.SSID</string>")
	assert.Contains(t, s, "<string>Device.DeviceInfo.UpTime</string>")
	assert.Contains(t, s, `soap:mustUnderstand="1"`)

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "GetParameterValues", env.Method)
	assert.NotEmpty(t, env.ID)
}

func TestNewSetParameterValues(t *testing.T) {
	body := NewSetParameterValues(map[string]string{
		"Device.WiFi.SSID.1.SSID":       "NewName",
		"Device.WiFi.AP.1.Security.Key": "s3cret & safe",
	})
	s := string(body)

	assert.Contains(t, s, `soap:arrayType="cwmp:ParameterValueStruct[2]"`)
	assert.Contains(t, s, `<Value xsi:type="xsd:string">NewName</Value>`)
	assert.Contains(t, s, "s3cret &amp; safe")
	assert.Contains(t, s, "<ParameterKey></ParameterKey>")

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "SetParameterValues", env.Method)
}

func TestNewSetParameterValuesDeterministic(t *testing.T) {
	values := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := NewSetParameterValues(values)
	second := NewSetParameterValues(values)

	// The header ID differs per envelope; the bodies must not.
	firstEnv, err := ParseEnvelope(first)
	require.NoError(t, err)
	secondEnv, err := ParseEnvelope(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstEnv.Body), string(secondEnv.Body))
}

func TestNewReboot(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	body := NewReboot(now)

	assert.Contains(t, string(body), "<CommandKey>reboot_1717243200</CommandKey>")

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "Reboot", env.Method)
	assert.NotEmpty(t, env.ID)
}

func TestNewFactoryReset(t *testing.T) {
	env, err := ParseEnvelope(NewFactoryReset())
	require.NoError(t, err)
	assert.Equal(t, "FactoryReset", env.Method)
}

func TestNewTransferCompleteResponse(t *testing.T) {
	env, err := ParseEnvelope(NewTransferCompleteResponse())
	require.NoError(t, err)
	assert.Equal(t, "TransferCompleteResponse", env.Method)
}
