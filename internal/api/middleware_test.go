package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/relay"
)

// send runs one request from addr through h. hdr may be nil.
func send(h http.Handler, method, target, addr string, hdr http.Header) *httptest.ResponseRecorder {
	var body *strings.Reader
	if method == http.MethodPost {
		body = strings.NewReader(`{"text":"hi","audio":"AAAA"}`)
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = addr
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestConversationRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.opts.Config.RateLimitRPS = 1
	env.opts.Config.RateLimitBurst = 2
	env.conv.reply = &relay.Reply{Text: "ok"}
	h := env.handler()

	const client = "203.0.113.7:4000"
	for i := 0; i < 2; i++ {
		if rec := send(h, "POST", "/api/gemini/response", client, nil); rec.Code != http.StatusOK {
			t.Fatalf("turn %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := send(h, "POST", "/api/gemini/response", client, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third turn: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if code := decodeError(t, rec).Code; code != ErrRateLimited {
		t.Errorf("code = %q", code)
	}

	t.Run("transcribe_shares_bucket", func(t *testing.T) {
		if rec := send(h, "POST", "/api/gemini/transcribe", client, nil); rec.Code != http.StatusTooManyRequests {
			t.Errorf("expected 429, got %d", rec.Code)
		}
	})

	t.Run("history_not_limited", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if rec := send(h, "GET", "/api/v1/history", client, nil); rec.Code != http.StatusOK {
				t.Fatalf("history %d: expected 200, got %d", i, rec.Code)
			}
		}
	})

	t.Run("other_client_independent", func(t *testing.T) {
		if rec := send(h, "POST", "/api/gemini/response", "198.51.100.2:4000", nil); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestConversationRateLimit_AuthRunsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.opts.Config.AuthToken = "secret"
	env.opts.Config.RateLimitRPS = 1
	env.opts.Config.RateLimitBurst = 1
	env.conv.reply = &relay.Reply{Text: "ok"}
	h := env.handler()

	const client = "203.0.113.9:4000"
	for i := 0; i < 3; i++ {
		if rec := send(h, "POST", "/api/gemini/response", client, bearer("wrong")); rec.Code != http.StatusUnauthorized {
			t.Fatalf("bad token %d: expected 401, got %d", i, rec.Code)
		}
	}
	// rejected requests must not drain the bucket
	if rec := send(h, "POST", "/api/gemini/response", client, bearer("secret")); rec.Code != http.StatusOK {
		t.Fatalf("first authorized turn: expected 200, got %d", rec.Code)
	}
	if rec := send(h, "POST", "/api/gemini/response", client, bearer("secret")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second authorized turn: expected 429, got %d", rec.Code)
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	env.opts.Config.AuthToken = "secret"
	env.opts.Config.CORSOrigins = []string{"https://kiosk.example/"}
	env.opts.Config.RateLimitRPS = 1
	env.opts.Config.RateLimitBurst = 1
	env.conv.reply = &relay.Reply{Text: "ok"}
	h := env.handler()

	const client = "203.0.113.11:4000"
	kiosk := http.Header{"Origin": {"https://kiosk.example"}}

	t.Run("allowed_origin_skips_auth", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := send(h, "OPTIONS", "/api/gemini/response", client, kiosk)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("preflight %d: expected 204, got %d", i, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://kiosk.example" {
				t.Errorf("Allow-Origin = %q", got)
			}
			if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID") {
				t.Errorf("Allow-Headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
			}
		}
	})

	t.Run("other_origin_forbidden", func(t *testing.T) {
		rec := send(h, "OPTIONS", "/api/gemini/response", client, http.Header{"Origin": {"https://evil.example"}})
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("preflights_leave_bucket_full", func(t *testing.T) {
		hdr := bearer("secret")
		hdr.Set("Origin", "https://kiosk.example")
		if rec := send(h, "POST", "/api/gemini/response", client, hdr); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestCORSPlainRequests(t *testing.T) {
	t.Run("open_when_unconfigured", func(t *testing.T) {
		env := newTestEnv(t)
		rec := send(env.handler(), "GET", "/api/v1/health", "192.0.2.1:1", http.Header{"Origin": {"https://anything.example"}})
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("other_origin_served_without_headers", func(t *testing.T) {
		env := newTestEnv(t)
		env.opts.Config.CORSOrigins = []string{"https://kiosk.example"}
		rec := send(env.handler(), "GET", "/api/v1/health", "192.0.2.1:1", http.Header{"Origin": {"https://evil.example"}})
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("CORS header set for a foreign origin")
		}
	})
}

func TestAvatarStreamOrigins(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"configured_origin", "https://kiosk.example", true},
		{"no_origin_header", "", true},
		{"foreign_origin", "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.opts.Config.CORSOrigins = []string{" https://kiosk.example "}
			srv := httptest.NewServer(env.handler())
			defer srv.Close()

			var hdr http.Header
			if tt.origin != "" {
				hdr = http.Header{"Origin": {tt.origin}}
			}
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/avatar/stream"
			conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("upgrade from a foreign origin succeeded")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403 handshake, got %v", resp)
			}
		})
	}
}

func TestOriginSet(t *testing.T) {
	set := newOriginSet([]string{"https://kiosk.example/", "  ", "http://localhost:5173"})
	if len(set) != 2 {
		t.Fatalf("set = %v", set)
	}
	if !set.allows("https://kiosk.example") || !set.allows("http://localhost:5173") {
		t.Error("configured origins rejected")
	}
	if set.allows("https://kiosk.example.evil") {
		t.Error("suffix match accepted")
	}
	if !newOriginSet(nil).allows("https://anything.example") {
		t.Error("empty set should allow every origin")
	}

	req := httptest.NewRequest("GET", "/api/v1/avatar/stream", nil)
	if !set.allowsUpgrade(req) {
		t.Error("upgrade without Origin should pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if set.allowsUpgrade(req) {
		t.Error("foreign upgrade should fail")
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler()

	rec := send(h, "GET", "/api/v1/health", "192.0.2.1:1", nil)
	if id := rec.Header().Get("X-Request-ID"); len(id) != 16 {
		t.Errorf("expected 16-char hex ID, got %q", id)
	}

	rec = send(h, "POST", "/api/gemini/response", "192.0.2.1:1", http.Header{"X-Request-Id": {"kiosk-42"}})
	if id := rec.Header().Get("X-Request-ID"); id != "kiosk-42" {
		t.Errorf("expected preserved ID, got %q", id)
	}
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"header", "/", "Bearer secret", http.StatusOK},
		{"query_for_event_source", "/?token=secret", "", http.StatusOK},
		{"wrong_header", "/", "Bearer nope", http.StatusUnauthorized},
		{"wrong_query", "/?token=nope", "", http.StatusUnauthorized},
		{"basic_scheme", "/", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"missing", "/", "", http.StatusUnauthorized},
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			BearerAuth("secret")(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	t.Run("audio_stays_public", func(t *testing.T) {
		env := newTestEnv(t)
		env.opts.Config.AuthToken = "secret"
		rec := send(env.handler(), "GET", "/audio/2026-10-19/missing.mp3", "192.0.2.1:1", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 from the audio handler, got %d", rec.Code)
		}
	})
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("frame encoder exploded")
	})
	h := Logger(zerolog.New(&buf))(Recoverer(panicker))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/avatar/state", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("body = %v", body)
	}
	logged := buf.String()
	if !strings.Contains(logged, "recovered from panic") || !strings.Contains(logged, "frame encoder exploded") {
		t.Errorf("panic not logged: %s", logged)
	}
	if !strings.Contains(logged, `"status":500`) {
		t.Errorf("access log missing 500: %s", logged)
	}
}
