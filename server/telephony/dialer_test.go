package telephony

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
)

func outboundAgent() *agentconfig.AgentConfig {
	agent := agentconfig.Default()
	agent.PhoneNumber = "+14155550100"
	agent.PlayDialtone = true
	agent.DisplayName = "Acme Support"
	agent.DTMF = "1234#"
	return agent
}

func TestDialerPlacesCall(t *testing.T) {
	sip := &fakeSIP{}
	d := NewDialer(sip, "ST_configured")

	require.NoError(t, d.Dial(context.Background(), "outbound-call-1", outboundAgent()))

	require.Len(t, sip.participants, 1)
	req := sip.participants[0]
	assert.Equal(t, "ST_configured", req.SipTrunkId)
	assert.Equal(t, "+14155550100", req.SipCallTo)
	assert.Equal(t, "outbound-call-1", req.RoomName)
	assert.Equal(t, "sip_+14155550100", req.ParticipantIdentity)
	assert.Equal(t, "+14155550100", req.ParticipantName)
	assert.True(t, req.WaitUntilAnswered)
	assert.True(t, req.KrispEnabled)
	assert.True(t, req.PlayDialtone)
	assert.Equal(t, "1234#", req.Dtmf)
	require.NotNil(t, req.DisplayName)
	assert.Equal(t, "Acme Support", *req.DisplayName)
}

func TestDialerPrefersAgentTrunk(t *testing.T) {
	sip := &fakeSIP{}
	agent := outboundAgent()
	agent.OutboundTrunkID = "ST_metadata"
	agent.DisplayName = ""

	require.NoError(t, NewDialer(sip, "ST_configured").Dial(context.Background(), "room", agent))
	require.Len(t, sip.participants, 1)
	assert.Equal(t, "ST_metadata", sip.participants[0].SipTrunkId)
	assert.Nil(t, sip.participants[0].DisplayName)
}

func TestDialerSkipsInbound(t *testing.T) {
	sip := &fakeSIP{}
	d := NewDialer(sip, "ST_configured")

	require.NoError(t, d.Dial(context.Background(), "room", agentconfig.Default()))
	require.NoError(t, d.Dial(context.Background(), "room", nil))
	assert.Empty(t, sip.participants)
}

func TestDialerErrors(t *testing.T) {
	err := NewDialer(&fakeSIP{}, "").Dial(context.Background(), "room", outboundAgent())
	assert.ErrorIs(t, err, ErrTrunkNotConfigured)

	busy := errors.New("486 busy here")
	err = NewDialer(&fakeSIP{createErr: busy}, "ST_configured").Dial(context.Background(), "room", outboundAgent())
	assert.ErrorIs(t, err, busy)
}
