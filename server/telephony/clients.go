package telephony

import (
	"context"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/Conversly/livekit-check/runtime/config"
)

// RoomService is the subset of the LiveKit room API the server calls.
type RoomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// SIPService is the subset of the LiveKit SIP API the server calls.
type SIPService interface {
	ListSIPOutboundTrunk(ctx context.Context, req *livekit.ListSIPOutboundTrunkRequest) (*livekit.ListSIPOutboundTrunkResponse, error)
	ListSIPInboundTrunk(ctx context.Context, req *livekit.ListSIPInboundTrunkRequest) (*livekit.ListSIPInboundTrunkResponse, error)
	ListSIPDispatchRule(ctx context.Context, req *livekit.ListSIPDispatchRuleRequest) (*livekit.ListSIPDispatchRuleResponse, error)
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error)
}

// DispatchService is the subset of the LiveKit agent dispatch API the server calls.
type DispatchService interface {
	CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error)
}

// Clients bundles the LiveKit server API clients.
type Clients struct {
	Rooms    RoomService
	SIP      SIPService
	Dispatch DispatchService
}

// NewLiveKitClients creates server API clients for the LiveKit project in cfg.
// The websocket URL is converted to its HTTP form.
func NewLiveKitClients(cfg config.LiveKitConfig) Clients {
	url := cfg.APIURL()
	return Clients{
		Rooms:    lksdk.NewRoomServiceClient(url, cfg.APIKey, cfg.APISecret),
		SIP:      lksdk.NewSIPClient(url, cfg.APIKey, cfg.APISecret),
		Dispatch: lksdk.NewAgentDispatchServiceClient(url, cfg.APIKey, cfg.APISecret),
	}
}
