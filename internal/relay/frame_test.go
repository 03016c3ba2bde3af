package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrameClassifiesRequest(t *testing.T) {
	f, err := parseFrame([]byte(`{"id":1,"method":"Browser.getVersion"}`))
	require.NoError(t, err)
	require.Equal(t, kindRequest, f.Kind)
	require.Equal(t, 1, f.ID)
	require.Equal(t, "Browser.getVersion", f.Method)
}

func TestParseFrameClassifiesResponse(t *testing.T) {
	f, err := parseFrame([]byte(`{"id":7,"result":{"frameId":"F1"}}`))
	require.NoError(t, err)
	require.Equal(t, kindResponse, f.Kind)

	f, err = parseFrame([]byte(`{"id":8,"error":{"code":-32000,"message":"no target"}}`))
	require.NoError(t, err)
	require.Equal(t, kindResponse, f.Kind)
	require.Equal(t, -32000, f.Error.Code)
}

func TestParseFrameClassifiesEvent(t *testing.T) {
	f, err := parseFrame([]byte(`{"method":"Target.targetCreated","params":{}}`))
	require.NoError(t, err)
	require.Equal(t, kindEvent, f.Kind)
}

func TestParseFrameUnknown(t *testing.T) {
	f, err := parseFrame([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, kindUnknown, f.Kind)
}

func TestErrResponseRoundTrip(t *testing.T) {
	w := errResponse(9, "S1", ErrTargetDetached, "target detached")
	data, err := json.Marshal(w)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":9,"sessionId":"S1","error":{"code":-32004,"message":"target detached"}}`, string(data))
}
