package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/hearthline/hearth-core/internal/core"
	"github.com/hearthline/hearth-core/internal/infrastructure/config"
	"github.com/hearthline/hearth-core/internal/infrastructure/logging"
	"github.com/hearthline/hearth-core/internal/job"
	"github.com/hearthline/hearth-core/internal/service"
	"github.com/hearthline/hearth-core/internal/site"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) (*Server, *core.Core) {
	t.Helper()

	c := core.New(core.Config{
		Timeouts: core.Timeouts{
			Start:      time.Second,
			Stop:       time.Second,
			FinalWrite: time.Second,
			Close:      time.Second,
		},
		SiteConfig: site.DefaultRecord(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("core Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop(context.Background(), 0, false) }) //nolint:errcheck

	s, err := New(Deps{
		Config: config.APIConfig{Enabled: true},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testJWTSecret}},
		Logger:   logging.Default(),
		Core:     c,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Wire the hub the way Start does, without a real listener.
	s.hub = NewHub(s.wsCfg, s.logger)
	if err := s.hub.AttachBus(c.Bus); err != nil {
		t.Fatalf("AttachBus() error = %v", err)
	}
	t.Cleanup(s.hub.DetachBus)

	return s, c
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()

	w := doRequest(t, router, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}

	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf(`body["status"] = %v, want "ok"`, body["status"])
	}
	if body["state"] != string(core.StateRunning) {
		t.Errorf(`body["state"] = %v, want %q`, body["state"], core.StateRunning)
	}
	if body["version"] != "test" {
		t.Errorf(`body["version"] = %v, want "test"`, body["version"])
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()

	t.Run("missing token", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/v1/states", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/v1/states", "not-a-jwt", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("wrong signing key", func(t *testing.T) {
		forged := signToken(t, "another-secret-of-sufficient-length", "intruder")
		w := doRequest(t, router, http.MethodGet, "/api/v1/states", forged, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, testJWTSecret, "user-1")
		w := doRequest(t, router, http.MethodGet, "/api/v1/states", token, nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestStateEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()
	token := signToken(t, testJWTSecret, "user-1")

	t.Run("set creates the entity", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/v1/states/light.kitchen", token,
			map[string]any{"status": "on", "attributes": map[string]any{"brightness": 200}})
		if w.Code != http.StatusOK {
			t.Fatalf("set status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["entity_id"] != "light.kitchen" || body["status"] != "on" {
			t.Errorf("body = %v, want entity_id/status set", body)
		}
	})

	t.Run("get returns the entity", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/v1/states/light.kitchen", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get status = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["status"] != "on" {
			t.Errorf(`body["status"] = %v, want "on"`, body["status"])
		}
	})

	t.Run("list filters by domain", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/v1/states?domain=switch", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("list status = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["count"] != float64(0) {
			t.Errorf(`body["count"] = %v, want 0 for unused domain`, body["count"])
		}
	})

	t.Run("invalid entity id", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/v1/states/not-an-id", token,
			map[string]any{"status": "on"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("missing status", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/v1/states/light.kitchen", token,
			map[string]any{"attributes": map[string]any{}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("delete removes the entity", func(t *testing.T) {
		w := doRequest(t, router, http.MethodDelete, "/api/v1/states/light.kitchen", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("delete status = %d", w.Code)
		}
		w = doRequest(t, router, http.MethodGet, "/api/v1/states/light.kitchen", token, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("get after delete status = %d, want 404", w.Code)
		}
		w = doRequest(t, router, http.MethodDelete, "/api/v1/states/light.kitchen", token, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("second delete status = %d, want 404", w.Code)
		}
	})
}

func TestServiceEndpoints(t *testing.T) {
	s, c := newTestServer(t)
	router := s.buildRouter()
	token := signToken(t, testJWTSecret, "user-1")

	t.Run("unknown service", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/v1/services/light/turn_on", token, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	var gotUser string
	h, err := job.NewImmediate("turn_on", func(_ context.Context, call *service.Call) error {
		gotUser = call.Context.UserID
		return nil
	})
	if err != nil {
		t.Fatalf("NewImmediate() error = %v", err)
	}
	if err := c.Services.Register("light", "turn_on", h, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	t.Run("blocking call completes", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost,
			"/api/v1/services/light/turn_on?blocking=true", token,
			map[string]any{"entity_id": "light.kitchen"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["completed"] != true {
			t.Errorf(`body["completed"] = %v, want true`, body["completed"])
		}
		if gotUser != "user-1" {
			t.Errorf("handler saw user %q, want %q from the token subject", gotUser, "user-1")
		}
	})

	t.Run("list services", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/v1/services", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decodeBody(t, w)
		services, ok := body["services"].(map[string]any)
		if !ok {
			t.Fatalf(`body["services"] = %T, want map`, body["services"])
		}
		if _, ok := services["light"]; !ok {
			t.Error("light domain missing from services listing")
		}
	})
}

func TestPublishEventEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()
	token := signToken(t, testJWTSecret, "user-1")

	t.Run("publishes and returns context", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/v1/events/doorbell_pressed", token,
			map[string]any{"zone": "front"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["topic"] != "doorbell_pressed" {
			t.Errorf(`body["topic"] = %v, want "doorbell_pressed"`, body["topic"])
		}
		if body["context_id"] == "" {
			t.Error("context_id is empty")
		}
	})

	t.Run("topic too long", func(t *testing.T) {
		long := strings.Repeat("x", 65)
		w := doRequest(t, router, http.MethodPost, "/api/v1/events/"+long, token, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHistoryDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.buildRouter()
	token := signToken(t, testJWTSecret, "user-1")

	w := doRequest(t, router, http.MethodGet, "/api/v1/history/light.kitchen", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a recorder", w.Code)
	}
}

func TestWebSocketEventStream(t *testing.T) {
	s, c := newTestServer(t)
	srv := httptest.NewServer(s.buildRouter())
	defer srv.Close()

	token := signToken(t, testJWTSecret, "user-1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + token

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Subscribe to everything.
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Topics: []string{"*"}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ack.Type != WSTypeResponse {
		t.Fatalf("ack.Type = %q, want %q", ack.Type, WSTypeResponse)
	}

	if _, err := c.Bus.Publish("doorbell_pressed", map[string]any{"zone": "front"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	//nolint:errcheck // Deadline failure surfaces as a read error below
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != WSTypeEvent {
		t.Errorf("msg.Type = %q, want %q", msg.Type, WSTypeEvent)
	}
	if msg.Topic != "doorbell_pressed" {
		t.Errorf("msg.Topic = %q, want %q", msg.Topic, "doorbell_pressed")
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.buildRouter())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Dial() succeeded without a token")
	}
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("handshake status = %d, want 401", resp.StatusCode)
		}
	}
}
