package v16

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Frame
		wantErr bool
	}{
		{
			name: "call",
			raw:  `[2,"a1","Heartbeat",{}]`,
			want: Frame{Type: CallMessage, UniqueID: "a1", Action: "Heartbeat", Payload: json.RawMessage(`{}`)},
		},
		{
			name: "call result",
			raw:  `[3,"a1",{"transactionId":77}]`,
			want: Frame{Type: CallResultMessage, UniqueID: "a1", Payload: json.RawMessage(`{"transactionId":77}`)},
		},
		{
			name: "call error",
			raw:  `[4,"a1","InternalError","boom",{}]`,
			want: Frame{Type: CallErrorMessage, UniqueID: "a1", ErrorCode: "InternalError", ErrorDescription: "boom"},
		},
		{name: "not an array", raw: `{"a":1}`, wantErr: true},
		{name: "too short", raw: `[3,"a1"]`, wantErr: true},
		{name: "call without payload", raw: `[2,"a1","Heartbeat"]`, wantErr: true},
		{name: "unknown type", raw: `[9,"a1",{}]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.UniqueID, got.UniqueID)
			assert.Equal(t, tt.want.Action, got.Action)
			assert.Equal(t, tt.want.ErrorCode, got.ErrorCode)
			assert.Equal(t, tt.want.ErrorDescription, got.ErrorDescription)
			if tt.want.Payload != nil {
				assert.JSONEq(t, string(tt.want.Payload), string(got.Payload))
			}
		})
	}
}

func TestEncodeCall_EmbedsPayloadVerbatim(t *testing.T) {
	payload := []byte(`{"connectorId":1,"idTag":"ABC123","meterStart":500,"timestamp":"2024-03-01T10:00:00Z"}`)

	frame, err := EncodeCall("id-1", ActionStartTransaction, payload)
	require.NoError(t, err)
	assert.Equal(t, `[2,"id-1","StartTransaction",`+string(payload)+`]`, string(frame))

	_, err = EncodeCall("id-2", ActionStartTransaction, []byte(`{broken`))
	assert.Error(t, err)
}

func TestStartTransactionRequest_HasNoTransactionID(t *testing.T) {
	data, err := json.Marshal(StartTransactionRequest{ConnectorId: 1, IdTag: "ABC123", MeterStart: 0, Timestamp: "2024-03-01T10:00:00Z"})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "transactionId")
	assert.NotContains(t, fields, "reservationId")
	assert.Contains(t, fields, "meterStart")
}

func TestStartTransactionResponse_MissingIDIsNil(t *testing.T) {
	var resp StartTransactionResponse
	require.NoError(t, json.Unmarshal([]byte(`{"idTagInfo":{"status":"Accepted"}}`), &resp))
	assert.Nil(t, resp.TransactionId)
	assert.True(t, resp.IdTagInfo.Accepted())

	require.NoError(t, json.Unmarshal([]byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":0}`), &resp))
	require.NotNil(t, resp.TransactionId)
	assert.Equal(t, 0, *resp.TransactionId)
}
