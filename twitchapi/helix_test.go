package twitchapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/stream-copilot/redeem"
)

type recorded struct {
	method string
	path   string
	query  map[string]string
	body   map[string]any
}

// fakeHelix serves canned JSON per path and records every request.
type fakeHelix struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []recorded
	routes map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeHelix(t *testing.T) (*fakeHelix, *Helix) {
	t.Helper()
	f := &fakeHelix{t: t, routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	h, err := NewHelix(HelixOptions{ClientID: "test-client-id", UserToken: "test-token", BroadcasterID: "b1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHelix: %v", err)
	}
	return f, h
}

func (f *fakeHelix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Client-Id") != "test-client-id" {
		f.t.Errorf("missing or wrong Client-Id header on %s", r.URL.Path)
	}
	rec := recorded{method: r.Method, path: r.URL.Path, query: map[string]string{}}
	for k := range r.URL.Query() {
		rec.query[k] = r.URL.Query().Get(k)
	}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &rec.body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	route := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if route == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	route(w, r)
}

func (f *fakeHelix) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		f.t.Fatal("no requests recorded")
	}
	return f.calls[len(f.calls)-1]
}

func jsonBody(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestResolveUser(t *testing.T) {
	tests := []struct {
		name    string
		handle  string
		body    string
		status  int
		wantOK  bool
		wantID  string
		wantErr bool
	}{
		{name: "found", handle: "@TestUser", status: 200, body: `{"data":[{"id":"12345","login":"testuser","display_name":"TestUser"}]}`, wantOK: true, wantID: "12345"},
		{name: "not found", handle: "ghost", status: 200, body: `{"data":[]}`},
		{name: "empty handle", handle: "  "},
		{name: "api error", handle: "x", status: 401, body: `{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, h := newFakeHelix(t)
			f.routes["GET /users"] = jsonBody(tt.status, tt.body)
			u, ok, err := h.ResolveUser(context.Background(), tt.handle)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK || u.ID != tt.wantID {
				t.Errorf("got %+v ok=%v", u, ok)
			}
			if tt.wantOK && f.last().query["login"] != "testuser" {
				t.Errorf("login query = %q", f.last().query["login"])
			}
		})
	}
}

func TestChannelCategory(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["GET /channels"] = jsonBody(200, `{"data":[{"broadcaster_id":"b1","game_id":"509658","game_name":"Just Chatting","title":"hi"}]}`)
	got, err := h.ChannelCategory(context.Background())
	if err != nil {
		t.Fatalf("ChannelCategory: %v", err)
	}
	if got != "Just Chatting" {
		t.Errorf("category = %q", got)
	}
	if f.last().query["broadcaster_id"] != "b1" {
		t.Errorf("broadcaster_id query = %q", f.last().query["broadcaster_id"])
	}

	f.routes["GET /channels"] = jsonBody(200, `{"data":[]}`)
	if _, err := h.ChannelCategory(context.Background()); err == nil {
		t.Error("expected error for a missing channel")
	}
}

func TestListRewards(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["GET /channel_points/custom_rewards"] = jsonBody(200, `{"data":[
		{"id":"r1","title":"Ruler of the Redeem","prompt":"What is 1 + 1?","cost":100,"is_enabled":true,"is_paused":false,
		 "is_user_input_required":true,"should_redemptions_skip_request_queue":false,
		 "global_cooldown_setting":{"is_enabled":true,"global_cooldown_seconds":30},
		 "max_per_stream_setting":{"is_enabled":false,"max_per_stream":0},
		 "max_per_user_per_stream_setting":{"is_enabled":true,"max_per_user_per_stream":2}},
		{"id":"r2","title":"Coin Flip","cost":1,"is_enabled":false,"should_redemptions_skip_request_queue":true,
		 "global_cooldown_setting":{"is_enabled":false,"global_cooldown_seconds":60}}
	]}`)

	rewards, err := h.ListRewards(context.Background())
	if err != nil {
		t.Fatalf("ListRewards: %v", err)
	}
	if len(rewards) != 2 {
		t.Fatalf("got %d rewards", len(rewards))
	}
	want := redeem.Reward{ID: "r1", Title: "Ruler of the Redeem", Prompt: "What is 1 + 1?", Cost: 100, Enabled: true, UserInputRequired: true, CooldownSeconds: 30, MaxPerUserPerStream: 2}
	if rewards[0] != want {
		t.Errorf("reward[0] = %+v", rewards[0])
	}
	if rewards[1].CooldownSeconds != 0 || !rewards[1].AutoFulfill {
		t.Errorf("reward[1] = %+v", rewards[1])
	}
	q := f.last().query
	if q["broadcaster_id"] != "b1" || q["only_manageable_rewards"] != "true" {
		t.Errorf("query = %v", q)
	}
}

func TestUpdateRewardSendsFullState(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["PATCH /channel_points/custom_rewards"] = jsonBody(200, `{"data":[]}`)

	err := h.UpdateReward(context.Background(), redeem.Reward{ID: "r1", Title: "Ruler of the Redeem", Cost: 100, Enabled: false, CooldownSeconds: 30})
	if err != nil {
		t.Fatalf("UpdateReward: %v", err)
	}
	call := f.last()
	if call.query["id"] != "r1" || call.query["broadcaster_id"] != "b1" {
		t.Errorf("query = %v", call.query)
	}
	if v, ok := call.body["is_enabled"]; !ok || v != false {
		t.Errorf("is_enabled not sent as false: %v", call.body)
	}
	if call.body["global_cooldown_seconds"] != float64(30) || call.body["is_global_cooldown_enabled"] != true {
		t.Errorf("cooldown body = %v", call.body)
	}
}

func TestUpdateRewardAPIError(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["PATCH /channel_points/custom_rewards"] = jsonBody(403, `{"error":"Forbidden","status":403,"message":"not manageable"}`)
	if err := h.UpdateReward(context.Background(), redeem.Reward{ID: "r1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSetRedemptionStatus(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["PATCH /channel_points/custom_rewards/redemptions"] = jsonBody(200, `{"data":[]}`)
	if err := h.SetRedemptionStatus(context.Background(), "r1", "red1", redeem.StatusCanceled); err != nil {
		t.Fatalf("SetRedemptionStatus: %v", err)
	}
	call := f.last()
	if call.query["id"] != "red1" || call.query["reward_id"] != "r1" {
		t.Errorf("query = %v", call.query)
	}
	if call.body["status"] != "CANCELED" {
		t.Errorf("body = %v", call.body)
	}
}

func TestSubscribe(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["POST /eventsub/subscriptions"] = jsonBody(http.StatusAccepted, `{"data":[{"id":"s1","status":"enabled"}]}`)

	for _, s := range Subscriptions("b1") {
		if err := h.Subscribe(context.Background(), "sess", s); err != nil {
			t.Fatalf("subscribe %s: %v", s.Type, err)
		}
		call := f.last()
		if call.body["type"] != s.Type {
			t.Errorf("type = %v, want %s", call.body["type"], s.Type)
		}
		transport, _ := call.body["transport"].(map[string]any)
		if transport["session_id"] != "sess" || transport["method"] != "websocket" {
			t.Errorf("transport = %v", transport)
		}
		cond, _ := call.body["condition"].(map[string]any)
		for k, v := range s.Condition {
			if cond[k] != v {
				t.Errorf("%s condition %s = %v", s.Type, k, cond[k])
			}
		}
	}
}

func TestSubscribeRawRejected(t *testing.T) {
	f, h := newFakeHelix(t)
	f.routes["POST /eventsub/subscriptions"] = jsonBody(http.StatusConflict, `{"error":"Conflict"}`)
	err := h.Subscribe(context.Background(), "sess", Subscription{Type: TypeRaid, Version: "1", Condition: map[string]string{"to_broadcaster_user_id": "b1"}})
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestNewHelixRequiresClientID(t *testing.T) {
	if _, err := NewHelix(HelixOptions{}); err == nil {
		t.Fatal("expected error")
	}
}
