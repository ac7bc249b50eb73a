package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackRequestRoundTrip(t *testing.T) {
	in := Msg{
		ID: 7,
		Data: MsgKind{Request: &Request{
			DispatchJob: &DispatchJobParams{
				BaseJob:    BaseJob{Eid: "e1", CmdName: "bash", Args: []string{"-c"}, Code: "echo hi"},
				ScheduleID: "s1",
				Action:     ActionExec,
				IsSync:     true,
			},
		}},
	}

	frame, err := PackRequest(in)
	require.NoError(t, err)
	assert.False(t, IsResponse(frame))

	out, err := Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), out.ID)
	require.NotNil(t, out.Data.Request)
	require.NotNil(t, out.Data.Request.DispatchJob)
	assert.Equal(t, "e1", out.Data.Request.DispatchJob.BaseJob.Eid)
	assert.Equal(t, ActionExec, out.Data.Request.DispatchJob.Action)
	assert.Equal(t, "DispatchJobRequest", out.Data.Request.Kind())
}

func TestPackResponseRoundTrip(t *testing.T) {
	in := NewResponseMsg(3, json.RawMessage(`{"data":"success"}`))

	frame, err := PackResponse(in)
	require.NoError(t, err)
	assert.True(t, IsResponse(frame))

	out, err := Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.ID)
	assert.JSONEq(t, `{"data":"success"}`, string(out.Data.Response))
	assert.Nil(t, out.Data.Request)
}

func TestUnpackRejectsBadFrames(t *testing.T) {
	_, err := Unpack(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = Unpack([]byte{42, '{', '}'})
	assert.Error(t, err)

	_, err = Unpack([]byte{0, 'n', 'o', 't', 'j', 's', 'o', 'n'})
	assert.Error(t, err)
}

func TestIsResponsePeeksFirstByte(t *testing.T) {
	assert.False(t, IsResponse(nil))
	assert.False(t, IsResponse([]byte{0}))
	assert.True(t, IsResponse([]byte{1}))
}

func TestRequestTagIsExclusive(t *testing.T) {
	frame, err := PackRequest(NewRequestMsg(Request{Heartbeat: &HeartbeatParams{
		Namespace: "default", SourceIP: "10.0.0.1", MacAddr: "aa:bb",
	}}))
	require.NoError(t, err)

	// Only the Heartbeat tag may appear in the encoded union.
	var probe struct {
		Data struct {
			Request map[string]json.RawMessage `json:"Request"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame[1:], &probe))
	assert.Len(t, probe.Data.Request, 1)
	assert.Contains(t, probe.Data.Request, "HeartbeatRequest")
}

func TestEnvelopeHelpers(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal(Success(map[string]string{"data": "ok"}), &env))
	assert.Equal(t, CodeSuccess, env.Code)
	assert.Equal(t, "success", env.Msg)

	require.NoError(t, json.Unmarshal(Fail(assert.AnError), &env))
	assert.Equal(t, CodeError, env.Code)
	assert.Equal(t, assert.AnError.Error(), env.Msg)
}
