package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/livekit/protocol/livekit"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/logger"
)

// ErrTrunkNotConfigured is returned when neither the agent metadata nor the
// server configuration names an outbound trunk.
var ErrTrunkNotConfigured = errors.New("outbound trunk not configured; set LIVEKIT_OUTBOUND_TRUNK_ID or outbound_trunk_id in the agent metadata")

// Dialer places the outbound call of an agent session by adding a SIP
// participant to the session's room.
type Dialer struct {
	sip     SIPService
	trunkID string
}

// NewDialer creates a Dialer. trunkID is used when the agent configuration
// does not carry its own outbound trunk.
func NewDialer(sip SIPService, trunkID string) *Dialer {
	return &Dialer{sip: sip, trunkID: trunkID}
}

// Dial calls agent.PhoneNumber into room and blocks until the callee answers
// or the request fails. It does nothing for inbound configurations.
func (d *Dialer) Dial(ctx context.Context, room string, agent *agentconfig.AgentConfig) error {
	if agent == nil || !agent.IsOutbound() {
		return nil
	}
	trunk := agent.TrunkID(d.trunkID)
	if trunk == "" {
		return ErrTrunkNotConfigured
	}

	ctx = logger.WithRoom(ctx, room)
	phone := logger.RedactPhoneNumber(agent.PhoneNumber)
	logger.InfoContext(ctx, "placing outbound call", "trunk_id", trunk, "phone", phone)

	info, err := d.sip.CreateSIPParticipant(ctx, dialRequest(room, trunk, agent))
	if err != nil {
		return fmt.Errorf("create SIP participant: %w", err)
	}
	logger.InfoContext(ctx, "outbound call answered",
		"participant_id", info.GetParticipantId(), "sip_call_id", info.GetSipCallId(), "phone", phone)
	return nil
}

func dialRequest(room, trunk string, agent *agentconfig.AgentConfig) *livekit.CreateSIPParticipantRequest {
	req := &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          trunk,
		SipCallTo:           agent.PhoneNumber,
		RoomName:            room,
		ParticipantIdentity: sipIdentityPrefix + agent.PhoneNumber,
		ParticipantName:     agent.PhoneNumber,
		WaitUntilAnswered:   true,
		KrispEnabled:        agent.KrispEnabled,
		PlayDialtone:        agent.PlayDialtone,
		Dtmf:                agent.DTMF,
	}
	if agent.DisplayName != "" {
		name := agent.DisplayName
		req.DisplayName = &name
	}
	return req
}
