package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/version"
)

const (
	callRoomPrefix      = "outbound-call-"
	callRoomEmptyTTL    = 10 * time.Minute
	callRoomMaxUsers    = 10
	webParticipantName  = "Web User"
	sipIdentityPrefix   = "sip_"
	callDispatchMessage = "Agent dispatched. SIP participant will be created by the agent."
)

// ErrNoOutboundTrunk is returned when the project has no outbound SIP trunk.
var ErrNoOutboundTrunk = errors.New("no outbound SIP trunks found; create an outbound trunk in the LiveKit project")

// issueToken returns a participant JWT for room.
func (s *Server) issueToken(room, identity, name string, ttl time.Duration) (string, error) {
	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)

	at := auth.NewAccessToken(s.livekit.APIKey, s.livekit.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)
	if name != "" {
		at.SetName(name)
	}
	return at.ToJWT()
}

type tokenRequest struct {
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
}

type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RoomName == "" || req.ParticipantName == "" {
		writeError(w, http.StatusBadRequest, "roomName and participantName are required")
		return
	}

	token, err := s.issueToken(req.RoomName, req.ParticipantName, "", RoomTokenTTL)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to issue token", "room", req.RoomName, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, URL: s.livekit.URL})
}

type makeCallRequest struct {
	PhoneNumber string          `json:"phone_number"`
	AgentConfig json.RawMessage `json:"agent_config,omitempty"`
}

type makeCallResponse struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantToken string `json:"participantToken"`
	ParticipantName  string `json:"participantName"`
	Message          string `json:"message"`
	TrunkID          string `json:"trunkId"`
	DispatchID       string `json:"dispatchId,omitempty"`
}

// handleMakeCall creates a room for an outbound call and dispatches the
// agent with the call metadata. The agent dials the number once it joins.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if !strings.HasPrefix(req.PhoneNumber, "+") {
		writeError(w, http.StatusBadRequest, "phone_number must be in E.164 format (e.g. +1234567890)")
		return
	}
	phone := agentconfig.NormalizePhoneNumber(req.PhoneNumber)
	if err := agentconfig.ValidateE164(phone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	roomName := callRoomPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	ctx = logger.WithRoom(ctx, roomName)

	if _, err := s.clients.Rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            roomName,
		EmptyTimeout:    uint32(callRoomEmptyTTL.Seconds()),
		MaxParticipants: callRoomMaxUsers,
	}); err != nil {
		logger.ErrorContext(ctx, "failed to create call room", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create room: %v", err))
		return
	}

	resp, err := s.setUpCall(ctx, roomName, phone, req.AgentConfig)
	if err != nil {
		s.deleteRoom(ctx, roomName)
		status := http.StatusInternalServerError
		if errors.Is(err, agentconfig.ErrInvalidMetadata) {
			status = http.StatusBadRequest
		}
		logger.ErrorContext(ctx, "failed to set up outbound call", "error", err)
		writeError(w, status, fmt.Sprintf("failed to set up outbound call: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setUpCall(ctx context.Context, roomName, phone string, agentCfg json.RawMessage) (*makeCallResponse, error) {
	trunkID, err := s.resolveOutboundTrunk(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify outbound trunk: %w", err)
	}

	metadata, err := callMetadata(agentCfg, phone, trunkID)
	if err != nil {
		return nil, err
	}
	if s.loader != nil {
		if _, err := s.loader.Parse(ctx, metadata); err != nil {
			return nil, err
		}
	}

	dispatch, err := s.clients.Dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: s.agentName,
		Room:      roomName,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch agent %s: %w", s.agentName, err)
	}
	logger.InfoContext(ctx, "agent dispatch created",
		"agent", s.agentName, "dispatch_id", dispatch.GetId(), "trunk_id", trunkID,
		"phone", logger.RedactPhoneNumber(phone))

	identity := fmt.Sprintf("web-user-%s", uuid.NewString()[:8])
	token, err := s.issueToken(roomName, identity, webParticipantName, CallTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue participant token: %w", err)
	}

	return &makeCallResponse{
		ServerURL:        s.livekit.URL,
		RoomName:         roomName,
		ParticipantToken: token,
		ParticipantName:  webParticipantName,
		Message:          callDispatchMessage,
		TrunkID:          trunkID,
		DispatchID:       dispatch.GetId(),
	}, nil
}

// resolveOutboundTrunk returns the configured outbound trunk if the project
// has it, otherwise the first outbound trunk listed.
func (s *Server) resolveOutboundTrunk(ctx context.Context) (string, error) {
	resp, err := s.clients.SIP.ListSIPOutboundTrunk(ctx, &livekit.ListSIPOutboundTrunkRequest{})
	if err != nil {
		return "", err
	}
	trunks := resp.GetItems()
	if len(trunks) == 0 {
		return "", ErrNoOutboundTrunk
	}
	configured := s.livekit.OutboundTrunkID
	for _, t := range trunks {
		if configured != "" && t.GetSipTrunkId() == configured {
			return configured, nil
		}
	}
	first := trunks[0].GetSipTrunkId()
	if configured != "" {
		logger.WarnContext(ctx, "configured outbound trunk not found, using first available",
			"configured", configured, "trunk_id", first, "available", len(trunks))
	}
	return first, nil
}

// callMetadata merges the caller's agent config with the call target.
func callMetadata(agentCfg json.RawMessage, phone, trunkID string) (string, error) {
	fields := map[string]any{}
	if len(agentCfg) > 0 && string(agentCfg) != "null" {
		if err := json.Unmarshal(agentCfg, &fields); err != nil {
			return "", fmt.Errorf("%w: agent_config must be an object", agentconfig.ErrInvalidMetadata)
		}
	}
	fields["phone_number"] = phone
	fields["outbound_trunk_id"] = trunkID
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func (s *Server) deleteRoom(ctx context.Context, room string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.clients.Rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room}); err != nil {
		logger.WarnContext(ctx, "failed to delete room", "error", err)
	}
}

type outboundCallRequest struct {
	PhoneNumber     string `json:"phoneNumber"`
	Number          string `json:"number"`
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
}

type outboundCallResponse struct {
	ParticipantID       string `json:"participantId"`
	ParticipantIdentity string `json:"participantIdentity"`
	SIPCallID           string `json:"sipCallId,omitempty"`
}

// handleOutboundCall dials a number into an existing room.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if s.livekit.SIPTrunkID == "" {
		writeError(w, http.StatusInternalServerError, "SIP trunk is not configured")
		return
	}
	var req outboundCallRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	number := req.PhoneNumber
	if number == "" {
		number = req.Number
	}
	if number == "" || req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "phone number and room name are required")
		return
	}

	phone := agentconfig.NormalizePhoneNumber(number)
	name := req.ParticipantName
	if name == "" {
		name = phone
	}
	ctx := logger.WithRoom(r.Context(), req.RoomName)

	info, err := s.clients.SIP.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          s.livekit.SIPTrunkID,
		SipCallTo:           phone,
		SipNumber:           s.livekit.SIPFromNumber,
		RoomName:            req.RoomName,
		ParticipantIdentity: sipIdentityPrefix + phone,
		ParticipantName:     name,
		PlayDialtone:        true,
		HidePhoneNumber:     true,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to create SIP participant",
			"phone", logger.RedactPhoneNumber(phone), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to initiate call")
		return
	}
	logger.InfoContext(ctx, "SIP participant created",
		"participant_id", info.GetParticipantId(), "phone", logger.RedactPhoneNumber(phone))

	writeJSON(w, http.StatusOK, outboundCallResponse{
		ParticipantID:       info.GetParticipantId(),
		ParticipantIdentity: info.GetParticipantIdentity(),
		SIPCallID:           info.GetSipCallId(),
	})
}

type dispatchRuleView struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	RuleType         string   `json:"ruleType"`
	RoomPrefix       string   `json:"roomPrefix,omitempty"`
	TrunkIDs         []string `json:"trunkIds"`
	HasAgentDispatch bool     `json:"hasAgentDispatch"`
	AgentNames       []string `json:"agentNames"`
}

type trunkView struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address,omitempty"`
	Numbers []string `json:"numbers"`
}

type telephonySummary struct {
	DispatchRulesCount  int  `json:"dispatchRulesCount"`
	OutboundTrunksCount int  `json:"outboundTrunksCount"`
	InboundTrunksCount  int  `json:"inboundTrunksCount"`
	HasOutboundTrunk    bool `json:"hasOutboundTrunk"`
	HasDispatchRule     bool `json:"hasDispatchRule"`
}

type verifyResponse struct {
	DispatchRules  []dispatchRuleView `json:"dispatchRules"`
	OutboundTrunks []trunkView        `json:"outboundTrunks"`
	InboundTrunks  []trunkView        `json:"inboundTrunks"`
	Summary        telephonySummary   `json:"summary"`
}

// handleVerifyTelephony reports the project's SIP setup. A failing listing
// is logged and reported as empty.
func (s *Server) handleVerifyTelephony(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := verifyResponse{
		DispatchRules:  []dispatchRuleView{},
		OutboundTrunks: []trunkView{},
		InboundTrunks:  []trunkView{},
	}

	if resp, err := s.clients.SIP.ListSIPDispatchRule(ctx, &livekit.ListSIPDispatchRuleRequest{}); err != nil {
		logger.WarnContext(ctx, "failed to list dispatch rules", "error", err)
	} else {
		for _, rule := range resp.GetItems() {
			out.DispatchRules = append(out.DispatchRules, dispatchRuleOf(rule))
		}
	}

	if resp, err := s.clients.SIP.ListSIPOutboundTrunk(ctx, &livekit.ListSIPOutboundTrunkRequest{}); err != nil {
		logger.WarnContext(ctx, "failed to list outbound trunks", "error", err)
	} else {
		for _, t := range resp.GetItems() {
			out.OutboundTrunks = append(out.OutboundTrunks, trunkView{
				ID: t.GetSipTrunkId(), Name: t.GetName(), Address: t.GetAddress(), Numbers: nonNil(t.GetNumbers()),
			})
		}
	}

	if resp, err := s.clients.SIP.ListSIPInboundTrunk(ctx, &livekit.ListSIPInboundTrunkRequest{}); err != nil {
		logger.WarnContext(ctx, "failed to list inbound trunks", "error", err)
	} else {
		for _, t := range resp.GetItems() {
			out.InboundTrunks = append(out.InboundTrunks, trunkView{
				ID: t.GetSipTrunkId(), Name: t.GetName(), Numbers: nonNil(t.GetNumbers()),
			})
		}
	}

	out.Summary = telephonySummary{
		DispatchRulesCount:  len(out.DispatchRules),
		OutboundTrunksCount: len(out.OutboundTrunks),
		InboundTrunksCount:  len(out.InboundTrunks),
		HasOutboundTrunk:    len(out.OutboundTrunks) > 0,
		HasDispatchRule:     len(out.DispatchRules) > 0,
	}
	writeJSON(w, http.StatusOK, out)
}

func dispatchRuleOf(rule *livekit.SIPDispatchRuleInfo) dispatchRuleView {
	v := dispatchRuleView{
		ID:         rule.GetSipDispatchRuleId(),
		Name:       rule.GetName(),
		RuleType:   "unknown",
		TrunkIDs:   nonNil(rule.GetTrunkIds()),
		AgentNames: []string{},
	}
	r := rule.GetRule()
	switch {
	case r.GetDispatchRuleIndividual() != nil:
		v.RuleType = "individual"
		v.RoomPrefix = r.GetDispatchRuleIndividual().GetRoomPrefix()
	case r.GetDispatchRuleDirect() != nil:
		v.RuleType = "direct"
	case r.GetDispatchRuleCallee() != nil:
		v.RuleType = "callee"
	}
	for _, a := range rule.GetRoomConfig().GetAgents() {
		name := a.GetAgentName()
		if name == "" {
			name = "Unknown"
		}
		v.AgentNames = append(v.AgentNames, name)
	}
	v.HasAgentDispatch = len(v.AgentNames) > 0
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Get()})
}
