package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-gtp/gtpv2/message"
)

func TestBuild_CreateDeleteInitiator(t *testing.T) {
	scn, err := Build("create-delete", Params{If: IfS11, Initiator: true, WaitMs: 500})
	require.NoError(t, err)

	require.Len(t, scn.Jobs, 5)
	assert.True(t, scn.StartsWithSend())

	assert.Equal(t, JobSend, scn.Jobs[0].Type)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), scn.Jobs[0].Msg.Type())
	assert.Equal(t, JobRecv, scn.Jobs[1].Type)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionResponse), scn.Jobs[1].Msg.Type())
	assert.Equal(t, JobWait, scn.Jobs[2].Type)
	assert.Equal(t, int64(500), scn.Jobs[2].WaitMs)
	assert.Equal(t, uint8(message.MsgTypeDeleteSessionRequest), scn.Jobs[3].Msg.Type())
	assert.Equal(t, uint8(message.MsgTypeDeleteSessionResponse), scn.Jobs[4].Msg.Type())
}

func TestBuild_CreateDeleteResponder(t *testing.T) {
	scn, err := Build("create-delete", Params{If: IfS11, Initiator: false})
	require.NoError(t, err)

	assert.False(t, scn.StartsWithSend())
	assert.Equal(t, JobRecv, scn.Jobs[0].Type)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), scn.Jobs[0].Msg.Type())
	assert.Equal(t, JobSend, scn.Jobs[1].Type)
}

func TestBuild_CreateModifyDelete(t *testing.T) {
	scn, err := Build("create-modify-delete", Params{If: IfS5S8, Initiator: true})
	require.NoError(t, err)
	require.Len(t, scn.Jobs, 7)
	assert.Equal(t, uint8(message.MsgTypeModifyBearerRequest), scn.Jobs[2].Msg.Type())
}

func TestBuild_UnknownScenario(t *testing.T) {
	_, err := Build("teleport", Params{})
	assert.Error(t, err)
}

func TestGroupProcedures(t *testing.T) {
	scn, err := Build("create-delete", Params{If: IfS11, Initiator: true})
	require.NoError(t, err)

	require.Len(t, scn.Procs, 3)
	assert.Equal(t, ProcReqRsp, scn.Procs[0].Type)
	assert.Equal(t, scn.Jobs[0], scn.Procs[0].Initial)
	assert.Equal(t, scn.Jobs[1], scn.Procs[0].Trig)
	assert.Equal(t, ProcWait, scn.Procs[1].Type)
	assert.Equal(t, ProcReqRsp, scn.Procs[2].Type)
}

func TestInterface_SharedTunnel(t *testing.T) {
	assert.True(t, IfS11.SharedTunnel())
	assert.True(t, IfS4.SharedTunnel())
	assert.False(t, IfS5S8.SharedTunnel())
}
