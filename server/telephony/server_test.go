package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/config"
	"github.com/Conversly/livekit-check/runtime/logger"
)

type fakeRooms struct {
	mu        sync.Mutex
	created   []*livekit.CreateRoomRequest
	deleted   []string
	createErr error
}

func (f *fakeRooms) CreateRoom(_ context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &livekit.Room{Name: req.Name}, nil
}

func (f *fakeRooms) DeleteRoom(_ context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.Room)
	return &livekit.DeleteRoomResponse{}, nil
}

type fakeSIP struct {
	outbound     []*livekit.SIPOutboundTrunkInfo
	inbound      []*livekit.SIPInboundTrunkInfo
	rules        []*livekit.SIPDispatchRuleInfo
	listErr      error
	rulesErr     error
	participants []*livekit.CreateSIPParticipantRequest
	createErr    error
}

func (f *fakeSIP) ListSIPOutboundTrunk(context.Context, *livekit.ListSIPOutboundTrunkRequest) (*livekit.ListSIPOutboundTrunkResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &livekit.ListSIPOutboundTrunkResponse{Items: f.outbound}, nil
}

func (f *fakeSIP) ListSIPInboundTrunk(context.Context, *livekit.ListSIPInboundTrunkRequest) (*livekit.ListSIPInboundTrunkResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &livekit.ListSIPInboundTrunkResponse{Items: f.inbound}, nil
}

func (f *fakeSIP) ListSIPDispatchRule(context.Context, *livekit.ListSIPDispatchRuleRequest) (*livekit.ListSIPDispatchRuleResponse, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return &livekit.ListSIPDispatchRuleResponse{Items: f.rules}, nil
}

func (f *fakeSIP) CreateSIPParticipant(_ context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.participants = append(f.participants, req)
	return &livekit.SIPParticipantInfo{
		ParticipantId:       "PA_1",
		ParticipantIdentity: req.ParticipantIdentity,
		RoomName:            req.RoomName,
		SipCallId:           "SCL_1",
	}, nil
}

type fakeDispatch struct {
	requests []*livekit.CreateAgentDispatchRequest
	err      error
}

func (f *fakeDispatch) CreateDispatch(_ context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &livekit.AgentDispatch{Id: "AD_1", AgentName: req.AgentName, Room: req.Room}, nil
}

type fixture struct {
	rooms    *fakeRooms
	sip      *fakeSIP
	dispatch *fakeDispatch
	srv      *httptest.Server
}

var testLiveKit = config.LiveKitConfig{
	URL:             "wss://project.livekit.cloud",
	APIKey:          "APItest",
	APISecret:       "secret-secret-secret-secret-secret",
	OutboundTrunkID: "ST_configured",
	SIPTrunkID:      "ST_sip",
	SIPFromNumber:   "+15550001111",
}

func newFixture(t *testing.T, lk config.LiveKitConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		rooms: &fakeRooms{},
		sip: &fakeSIP{
			outbound: []*livekit.SIPOutboundTrunkInfo{
				{SipTrunkId: "ST_first", Name: "first", Address: "sip.example.com", Numbers: []string{"+15550001111"}},
				{SipTrunkId: "ST_configured", Name: "configured"},
			},
		},
		dispatch: &fakeDispatch{},
	}
	s := NewServer(lk, Clients{Rooms: f.rooms, SIP: f.sip, Dispatch: f.dispatch}, opts...)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// jwtClaims decodes the claims segment of a JWT without verifying it.
func jwtClaims(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(data, &claims))
	return claims
}

func TestToken(t *testing.T) {
	f := newFixture(t, testLiveKit)

	resp := f.post(t, "/token", `{"roomName":"room-1","participantName":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[tokenResponse](t, resp)
	assert.Equal(t, testLiveKit.URL, body.URL)

	claims := jwtClaims(t, body.Token)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "APItest", claims["iss"])
	video, ok := claims["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "room-1", video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])
	assert.Equal(t, true, video["canSubscribe"])

	exp, nbf := claims["exp"].(float64), claims["nbf"].(float64)
	assert.InDelta(t, RoomTokenTTL.Seconds(), exp-nbf, 5)
}

func TestTokenValidation(t *testing.T) {
	f := newFixture(t, testLiveKit)

	resp := f.post(t, "/token", `{"roomName":"room-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "participantName")

	resp = f.post(t, "/token", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMakeCall(t *testing.T) {
	loader, err := agentconfig.NewLoader()
	require.NoError(t, err)
	f := newFixture(t, testLiveKit, WithAgentName("phone-agent"), WithMetadataLoader(loader))

	resp := f.post(t, "/make-call", `{"phone_number":"+1 415-555-0100","agent_config":{"tts_voice":"puck","instructions":"Be brief."}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[makeCallResponse](t, resp)

	assert.True(t, strings.HasPrefix(body.RoomName, "outbound-call-"))
	assert.Equal(t, "ST_configured", body.TrunkID)
	assert.Equal(t, "Web User", body.ParticipantName)
	assert.Equal(t, testLiveKit.URL, body.ServerURL)
	assert.Equal(t, "AD_1", body.DispatchID)

	require.Len(t, f.rooms.created, 1)
	room := f.rooms.created[0]
	assert.Equal(t, body.RoomName, room.Name)
	assert.Equal(t, uint32(600), room.EmptyTimeout)
	assert.Equal(t, uint32(10), room.MaxParticipants)

	require.Len(t, f.dispatch.requests, 1)
	d := f.dispatch.requests[0]
	assert.Equal(t, "phone-agent", d.AgentName)
	assert.Equal(t, body.RoomName, d.Room)
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Metadata), &meta))
	assert.Equal(t, "+14155550100", meta["phone_number"])
	assert.Equal(t, "ST_configured", meta["outbound_trunk_id"])
	assert.Equal(t, "puck", meta["tts_voice"])

	claims := jwtClaims(t, body.ParticipantToken)
	assert.True(t, strings.HasPrefix(claims["sub"].(string), "web-user-"))
	assert.InDelta(t, CallTokenTTL.Seconds(), claims["exp"].(float64)-claims["nbf"].(float64), 5)
	assert.Empty(t, f.rooms.deleted)
}

func TestMakeCallFallsBackToFirstTrunk(t *testing.T) {
	lk := testLiveKit
	lk.OutboundTrunkID = "ST_missing"
	f := newFixture(t, lk)

	resp := f.post(t, "/make-call", `{"phone_number":"+14155550100"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ST_first", decode[makeCallResponse](t, resp).TrunkID)
}

func TestMakeCallValidation(t *testing.T) {
	f := newFixture(t, testLiveKit)

	for _, body := range []string{
		`{}`,
		`{"phone_number":"14155550100"}`,
		`{"phone_number":"+12"}`,
	} {
		resp := f.post(t, "/make-call", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, f.rooms.created)
}

func TestMakeCallCleansUpRoom(t *testing.T) {
	t.Run("no trunks", func(t *testing.T) {
		f := newFixture(t, testLiveKit)
		f.sip.outbound = nil

		resp := f.post(t, "/make-call", `{"phone_number":"+14155550100"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Contains(t, decode[errorResponse](t, resp).Error, "no outbound SIP trunks")
		require.Len(t, f.rooms.created, 1)
		assert.Equal(t, []string{f.rooms.created[0].Name}, f.rooms.deleted)
	})

	t.Run("dispatch fails", func(t *testing.T) {
		f := newFixture(t, testLiveKit)
		f.dispatch.err = errors.New("agent unavailable")

		resp := f.post(t, "/make-call", `{"phone_number":"+14155550100"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Len(t, f.rooms.deleted, 1)
	})

	t.Run("invalid agent config", func(t *testing.T) {
		loader, err := agentconfig.NewLoader()
		require.NoError(t, err)
		f := newFixture(t, testLiveKit, WithMetadataLoader(loader))

		resp := f.post(t, "/make-call", `{"phone_number":"+14155550100","agent_config":{"krisp_enabled":"yes"}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Len(t, f.rooms.deleted, 1)
		assert.Empty(t, f.dispatch.requests)
	})

	t.Run("room creation fails", func(t *testing.T) {
		f := newFixture(t, testLiveKit)
		f.rooms.createErr = errors.New("unauthorized")

		resp := f.post(t, "/make-call", `{"phone_number":"+14155550100"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Empty(t, f.rooms.deleted)
	})
}

func TestOutboundCall(t *testing.T) {
	f := newFixture(t, testLiveKit)

	resp := f.post(t, "/outbound-call", `{"number":"415 555-0100","roomName":"room-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[outboundCallResponse](t, resp)
	assert.Equal(t, "PA_1", body.ParticipantID)
	assert.Equal(t, "sip_+4155550100", body.ParticipantIdentity)

	require.Len(t, f.sip.participants, 1)
	req := f.sip.participants[0]
	assert.Equal(t, "ST_sip", req.SipTrunkId)
	assert.Equal(t, "+4155550100", req.SipCallTo)
	assert.Equal(t, "+15550001111", req.SipNumber)
	assert.Equal(t, "room-1", req.RoomName)
	assert.True(t, req.PlayDialtone)
	assert.True(t, req.HidePhoneNumber)
}

func TestOutboundCallErrors(t *testing.T) {
	f := newFixture(t, testLiveKit)

	resp := f.post(t, "/outbound-call", `{"phoneNumber":"+14155550100"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.sip.createErr = errors.New("busy")
	resp = f.post(t, "/outbound-call", `{"phoneNumber":"+14155550100","roomName":"room-1"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to initiate call", decode[errorResponse](t, resp).Error)

	lk := testLiveKit
	lk.SIPTrunkID = ""
	f = newFixture(t, lk)
	resp = f.post(t, "/outbound-call", `{"phoneNumber":"+14155550100","roomName":"room-1"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestVerifyTelephony(t *testing.T) {
	f := newFixture(t, testLiveKit)
	f.sip.inbound = []*livekit.SIPInboundTrunkInfo{{SipTrunkId: "ST_in", Name: "in"}}
	f.sip.rules = []*livekit.SIPDispatchRuleInfo{
		{
			SipDispatchRuleId: "SDR_1",
			Name:              "inbound",
			TrunkIds:          []string{"ST_in"},
			Rule: &livekit.SIPDispatchRule{
				Rule: &livekit.SIPDispatchRule_DispatchRuleIndividual{
					DispatchRuleIndividual: &livekit.SIPDispatchRuleIndividual{RoomPrefix: "call-"},
				},
			},
			RoomConfig: &livekit.RoomConfiguration{
				Agents: []*livekit.RoomAgentDispatch{{AgentName: "my-telephony-agent"}},
			},
		},
	}

	resp := f.get(t, "/verify-telephony")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[verifyResponse](t, resp)

	require.Len(t, body.DispatchRules, 1)
	rule := body.DispatchRules[0]
	assert.Equal(t, "individual", rule.RuleType)
	assert.Equal(t, "call-", rule.RoomPrefix)
	assert.True(t, rule.HasAgentDispatch)
	assert.Equal(t, []string{"my-telephony-agent"}, rule.AgentNames)

	assert.Len(t, body.OutboundTrunks, 2)
	assert.Equal(t, "sip.example.com", body.OutboundTrunks[0].Address)
	assert.Len(t, body.InboundTrunks, 1)
	assert.Equal(t, telephonySummary{
		DispatchRulesCount:  1,
		OutboundTrunksCount: 2,
		InboundTrunksCount:  1,
		HasOutboundTrunk:    true,
		HasDispatchRule:     true,
	}, body.Summary)
}

func TestVerifyTelephonyToleratesListErrors(t *testing.T) {
	f := newFixture(t, testLiveKit)
	f.sip.rulesErr = errors.New("forbidden")

	resp := f.get(t, "/verify-telephony")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[verifyResponse](t, resp)
	assert.Empty(t, body.DispatchRules)
	assert.False(t, body.Summary.HasDispatchRule)
	assert.True(t, body.Summary.HasOutboundTrunk)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, testLiveKit, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		resp := f.post(t, "/token", `{"roomName":"r","participantName":"p"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := f.post(t, "/token", `{"roomName":"r","participantName":"p"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.get(t, "/health").StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testLiveKit)
	resp := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	body := decode[healthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version.Version)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, testLiveKit)

	resp := f.get(t, "/health")
	generated := resp.Header.Get("X-Request-ID")
	_, err := uuid.Parse(generated)
	require.NoError(t, err, "generated request ID %q", generated)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestWithRequestIDTagsContext(t *testing.T) {
	var got string
	h := withRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = logger.ExtractLoggingFields(r.Context()).RequestID
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-7", got)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, got, 36, "oversized IDs are replaced")
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, testLiveKit)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/token", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestClientLimiters(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newClientLimiters(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "clients have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.allow("10.0.0.1"))

	for i := 0; i < limiterPruneSize; i++ {
		l.clients[fmt.Sprintf("idle-%d", i)] = &clientLimiter{lastSeen: now.Add(-time.Hour)}
	}
	l.allow("10.0.0.3")
	assert.Len(t, l.clients, 3)
}
