package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/config"
	"anpr-monitor/internal/db"
	"anpr-monitor/internal/domain/anpr"
	"anpr-monitor/internal/notify"
	"anpr-monitor/internal/repository"
	"anpr-monitor/internal/service"
	"anpr-monitor/internal/worker"
)

type offlineCapture struct{}

func (offlineCapture) Open(string) (anpr.FrameReader, error) {
	return nil, anpr.ErrSourceUnavailable
}

type nopSink struct{}

func (nopSink) Frame(anpr.FrameUpdate)   {}
func (nopSink) Status(anpr.StatusUpdate) {}
func (nopSink) Event(anpr.Event)         {}

type testServer struct {
	router *gin.Engine
	events *service.EventService
	pool   *worker.Pool
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	events := service.NewEventService(repository.NewEventRepository(gdb), zerolog.Nop())

	pool, err := worker.NewPool(worker.Dependencies{
		Capture:    offlineCapture{},
		NewTracker: func(anpr.ChannelConfig) (worker.Tracker, error) { return nil, nil },
		NewRecognizer: func(anpr.ChannelConfig, anpr.WorkerSettings) (worker.Recognizer, error) {
			return nil, nil
		},
		Store: events,
		Sink:  nopSink{},
	}, worker.PoolConfig{StopTimeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { pool.Stop() })

	cfg := &config.Config{
		Workers:  config.WorkersConfig{BestShots: 3, CooldownSeconds: 5, MinConfidence: 0.6},
		Channels: []anpr.ChannelConfig{{ID: 1, Name: "Gate1", Source: "0"}},
	}

	h := NewHandler(Options{
		Events: events,
		Pool:   pool,
		Board:  notify.NewStatusBoard(),
		Hub:    notify.NewHub(8, zerolog.Nop()),
		Config: cfg,
	}, zerolog.Nop())

	r := gin.New()
	h.Register(r, AuthMiddleware(secret, zerolog.Nop()))
	return &testServer{router: r, events: events, pool: pool}
}

func (s *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeEvents(t *testing.T, w *httptest.ResponseRecorder) []anpr.Event {
	t.Helper()
	var resp struct {
		Data []anpr.Event `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp.Data
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (s *testServer) seed(t *testing.T) {
	t.Helper()
	rows := []struct {
		channel, plate string
		at             time.Time
	}{
		{"Gate1", "AB123CD", base},
		{"Gate2", "XY987ZZ", base.Add(time.Minute)},
		{"Gate1", "ab100", base.Add(2 * time.Minute)},
	}
	for _, r := range rows {
		if _, err := s.events.InsertEvent(context.Background(), r.channel, r.plate, 0.9, "0", r.at); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestListEvents(t *testing.T) {
	s := newTestServer(t, "")
	s.seed(t)

	tests := []struct {
		name   string
		query  string
		plates []string
	}{
		{"all", "", []string{"AB123CD", "XY987ZZ", "ab100"}},
		{"channel", "?channel=Gate1", []string{"AB123CD", "ab100"}},
		{"plates", "?plates=XY987ZZ,ab100", []string{"XY987ZZ", "ab100"}},
		{"window", "?from=" + base.Add(30*time.Second).Format(time.RFC3339), []string{"XY987ZZ", "ab100"}},
		{"limit", "?limit=1", []string{"AB123CD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, "/api/v1/events"+tt.query, "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status %d: %s", w.Code, w.Body.String())
			}
			events := decodeEvents(t, w)
			if len(events) != len(tt.plates) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.plates))
			}
			for i, ev := range events {
				if ev.Plate != tt.plates[i] {
					t.Fatalf("event %d plate %s, want %s", i, ev.Plate, tt.plates[i])
				}
			}
		})
	}
}

func TestListEventsBadTime(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(http.MethodGet, "/api/v1/events?from=yesterday", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestSearchEvents(t *testing.T) {
	s := newTestServer(t, "")
	s.seed(t)

	w := s.do(http.MethodGet, "/api/v1/events/search?plate=AB1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	events := decodeEvents(t, w)
	if len(events) != 2 || events[0].Plate != "AB123CD" || events[1].Plate != "ab100" {
		t.Fatalf("unexpected search result %+v", events)
	}
}

func TestGetEvent(t *testing.T) {
	s := newTestServer(t, "")
	id, err := s.events.InsertEvent(context.Background(), "Gate1", "AB123CD", 0.92, "0", base)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := s.do(http.MethodGet, "/api/v1/events/"+jsonInt(id), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	if w := s.do(http.MethodGet, "/api/v1/events/9999", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing event status %d, want 404", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/events/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status %d, want 400", w.Code)
	}
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestChannelLifecycle(t *testing.T) {
	s := newTestServer(t, "")

	if w := s.do(http.MethodPost, "/api/v1/channels/start", "", nil); w.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", w.Code, w.Body.String())
	}
	if !s.pool.Running() || s.pool.Channels()[0].Name != "Gate1" {
		t.Fatal("start must use the configured channels")
	}
	if w := s.do(http.MethodPost, "/api/v1/channels/start", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("second start status %d, want 409", w.Code)
	}

	w := s.do(http.MethodGet, "/api/v1/channels", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Gate1"`) {
		t.Fatalf("channels %d: %s", w.Code, w.Body.String())
	}

	body := `{"channels":[{"id":2,"name":"Gate2","source":"1"}],"settings":{"best_shots":2,"cooldown_seconds":1,"min_confidence":0.5}}`
	if w := s.do(http.MethodPost, "/api/v1/channels/restart", body, nil); w.Code != http.StatusOK {
		t.Fatalf("restart status %d: %s", w.Code, w.Body.String())
	}
	if got := s.pool.Settings(); got.BestShots != 2 || s.pool.Channels()[0].Name != "Gate2" {
		t.Fatalf("restart did not apply the request: %+v %v", got, s.pool.Channels())
	}

	if w := s.do(http.MethodPost, "/api/v1/channels/stop", "", nil); w.Code != http.StatusOK {
		t.Fatalf("stop status %d", w.Code)
	}
	if s.pool.Running() {
		t.Fatal("pool still running after stop")
	}
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	s := newTestServer(t, "")
	body := `{"settings":{"best_shots":0,"cooldown_seconds":1,"min_confidence":0.5}}`
	if w := s.do(http.MethodPost, "/api/v1/channels/start", body, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestControlRequiresToken(t *testing.T) {
	const secret = "test-secret"
	s := newTestServer(t, secret)

	if w := s.do(http.MethodPost, "/api/v1/channels/stop", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status %d, want 401", w.Code)
	}

	bad := http.Header{"Authorization": {"Bearer not-a-token"}}
	if w := s.do(http.MethodPost, "/api/v1/channels/stop", "", bad); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401", w.Code)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	good := http.Header{"Authorization": {"Bearer " + signed}}
	if w := s.do(http.MethodPost, "/api/v1/channels/stop", "", good); w.Code != http.StatusOK {
		t.Fatalf("valid token status %d, want 200", w.Code)
	}

	// reads stay public
	if w := s.do(http.MethodGet, "/api/v1/events", "", nil); w.Code != http.StatusOK {
		t.Fatalf("events status %d, want 200", w.Code)
	}
}

func TestListEventsReturnsWholeWindow(t *testing.T) {
	s := newTestServer(t, "")
	const total = 205
	for i := 0; i < total; i++ {
		plate := fmt.Sprintf("P%03d", i)
		if _, err := s.events.InsertEvent(context.Background(), "Gate1", plate, 0.9, "0", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("insert %s: %v", plate, err)
		}
	}

	for _, query := range []string{"", "?limit=0"} {
		w := s.do(http.MethodGet, "/api/v1/events"+query, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status %d", query, w.Code)
		}
		events := decodeEvents(t, w)
		if len(events) != total {
			t.Fatalf("%q: got %d events, want %d", query, len(events), total)
		}
		if events[0].Plate != "P000" || events[total-1].Plate != "P204" {
			t.Fatalf("%q: first %s last %s", query, events[0].Plate, events[total-1].Plate)
		}
	}

	if w := s.do(http.MethodGet, "/api/v1/events?limit=-1", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status %d, want 400", w.Code)
	}
}
