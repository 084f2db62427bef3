package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/remote/memremote"
	"github.com/erauner12/notesync/internal/syncx"
)

const testSecret = "test-secret"

type testServer struct {
	svc *memremote.Service
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.JWT.HS256Secret == "" {
		cfg.JWT = auth.JWTCfg{HS256Secret: testSecret, DevMode: true}
	}
	svc := memremote.New(memremote.Options{})
	srv := New(svc, cfg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testServer{svc: svc, srv: srv, ts: ts}
}

func (s *testServer) request(t *testing.T, method, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("X-Debug-Sub", "tester")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCRUD(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := s.request(t, http.MethodPost, "/v1/notes", map[string]string{"title": "Draft", "content": "body"},
		map[string]string{"Idempotency-Key": "k-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[entity.Entity](t, resp)
	if created.ID == "" || created.Version != 1 || created.Note.Title != "Draft" {
		t.Fatalf("created = %+v", created)
	}

	replay := decode[entity.Entity](t, s.request(t, http.MethodPost, "/v1/notes",
		map[string]string{"title": "Draft"}, map[string]string{"Idempotency-Key": "k-1"}))
	if replay.ID != created.ID {
		t.Errorf("replayed create made %s, want %s", replay.ID, created.ID)
	}

	resp = s.request(t, http.MethodPut, "/v1/notes/"+created.ID, map[string]string{"title": "Edited"},
		map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	if updated := decode[entity.Entity](t, resp); updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}

	resp = s.request(t, http.MethodPut, "/v1/notes/"+created.ID, map[string]string{"title": "Stale"},
		map[string]string{"If-Match": "1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", resp.StatusCode)
	}
	er := decode[syncx.ErrorResponse](t, resp)
	if er.Error != syncx.CodeVersionConflict || er.Current == nil || er.Current.Note.Title != "Edited" || er.CurrentVersion != 2 {
		t.Errorf("conflict body = %+v", er)
	}

	folder := decode[entity.Entity](t, s.request(t, http.MethodPost, "/v1/folders", map[string]string{"name": "Work"}, nil))
	resp = s.request(t, http.MethodPost, "/v1/notes/"+created.ID+"/move", syncx.MoveRequest{ParentID: folder.ID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move status = %d", resp.StatusCode)
	}
	if moved := decode[entity.Entity](t, resp); moved.Parent() != folder.ID {
		t.Errorf("moved parent = %q", moved.Parent())
	}

	if resp := s.request(t, http.MethodDelete, "/v1/notes/"+created.ID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := s.request(t, http.MethodDelete, "/v1/notes/"+created.ID, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t, Config{})
	s.svc.Seed(entity.NewNote("n-1", 1, "Known", "", ""))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		header map[string]string
		want   int
		field  string
	}{
		{name: "folder without name", method: http.MethodPost, path: "/v1/folders", body: map[string]string{}, want: http.StatusUnprocessableEntity, field: "name"},
		{name: "title too long", method: http.MethodPost, path: "/v1/notes", body: map[string]string{"title": strings.Repeat("x", 256)}, want: http.StatusUnprocessableEntity, field: "title"},
		{name: "unknown parent", method: http.MethodPost, path: "/v1/notes", body: map[string]string{"title": "x", "folderId": "f-404"}, want: http.StatusUnprocessableEntity, field: "parentId"},
		{name: "missing if-match", method: http.MethodPut, path: "/v1/notes/n-1", body: map[string]string{"title": "x"}, want: http.StatusPreconditionRequired},
		{name: "unknown id", method: http.MethodPut, path: "/v1/notes/n-404", body: map[string]string{"title": "x"}, header: map[string]string{"If-Match": "1"}, want: http.StatusNotFound},
		{name: "unknown collection", method: http.MethodGet, path: "/v1/tasks", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.request(t, tt.method, tt.path, tt.body, tt.header)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			er := decode[syncx.ErrorResponse](t, resp)
			if er.CorrelationID == "" {
				t.Error("error body has no correlation id")
			}
			if tt.field != "" {
				if _, ok := er.Fields[tt.field]; !ok {
					t.Errorf("fields = %v, want %s", er.Fields, tt.field)
				}
			}
		})
	}
}

func TestRequiresAuth(t *testing.T) {
	s := newTestServer(t, Config{JWT: auth.JWTCfg{HS256Secret: testSecret}})

	resp, err := http.Get(s.ts.URL + "/v1/notes")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	tok, _ := auth.Mint(testSecret, "agent", time.Hour, time.Now())
	if resp := s.request(t, http.MethodGet, "/v1/notes", nil, map[string]string{"Authorization": "Bearer " + tok}); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
}

func TestListPagination(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, id := range []string{"n-1", "n-2", "n-3", "n-4", "n-5"} {
		s.svc.Seed(entity.NewNote(id, 1, id, "", ""))
	}
	s.svc.Seed(entity.NewFolder("f-1", 1, "Box", ""), entity.NewNote("n-6", 1, "Boxed", "", "f-1"))

	var ids []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		path := "/v1/notes?parent=&limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		page := decode[syncx.ListResponse](t, s.request(t, http.MethodGet, path, nil, nil))
		for _, e := range page.Items {
			ids = append(ids, e.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if strings.Join(ids, ",") != "n-1,n-2,n-3,n-4,n-5" {
		t.Errorf("root notes = %v", ids)
	}

	boxed := decode[syncx.ListResponse](t, s.request(t, http.MethodGet, "/v1/notes?parent=f-1", nil, nil))
	if len(boxed.Items) != 1 || boxed.Items[0].ID != "n-6" {
		t.Errorf("boxed = %+v", boxed.Items)
	}
	byID := decode[syncx.ListResponse](t, s.request(t, http.MethodGet, "/v1/notes?id=n-2&id=n-4", nil, nil))
	if len(byID.Items) != 2 {
		t.Errorf("by id = %+v", byID.Items)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: RateLimit{WindowSeconds: 60, MaxRequests: 10, Burst: 2}})

	for i := 1; i <= 3; i++ {
		resp := s.request(t, http.MethodGet, "/v1/notes", nil, nil)
		if resp.Header.Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i, resp.Header.Get("X-RateLimit-Limit"))
		}
		if i < 3 && resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
		if i == 3 {
			if resp.StatusCode != http.StatusTooManyRequests {
				t.Fatalf("request 3: status = %d, want 429", resp.StatusCode)
			}
			if resp.Header.Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
		}
	}
}

func TestTokenBucketRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimit{WindowSeconds: 1, MaxRequests: 1, Burst: 1}, func() time.Time { return now })

	if ok, _, _ := rl.allow("a"); !ok {
		t.Fatal("first request denied")
	}
	ok, _, wait := rl.allow("a")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("second request = %v wait %s", ok, wait)
	}
	if ok, _, _ := rl.allow("b"); !ok {
		t.Error("other subject limited")
	}
	now = now.Add(time.Second)
	if ok, _, _ := rl.allow("a"); !ok {
		t.Error("bucket did not refill")
	}
}

func dialWS(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Debug-Sub": []string{"tester"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames reads at least n frames, splitting batched messages
func readFrames(t *testing.T, conn *websocket.Conn, n int) []syncx.Frame {
	t.Helper()
	var out []syncx.Frame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var f syncx.Frame
			if err := json.Unmarshal(line, &f); err != nil {
				t.Fatalf("decode frame %q: %v", line, err)
			}
			out = append(out, f)
		}
	}
	return out
}

func TestPushControlMessages(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialWS(t, s)

	tests := []struct {
		send syncx.ClientMessage
		want string
	}{
		{syncx.ClientMessage{Type: syncx.TypeSubscribe, Data: map[string]any{"event": "all"}}, syncx.TypeSubscriptionConfirmed},
		{syncx.ClientMessage{Type: syncx.TypePing}, syncx.TypePong},
		{syncx.ClientMessage{Type: syncx.TypeHeartbeat}, syncx.TypeHeartbeatResponse},
	}
	for _, tt := range tests {
		if err := conn.WriteJSON(tt.send); err != nil {
			t.Fatalf("write %s: %v", tt.send.Type, err)
		}
		f := readFrames(t, conn, 1)[0]
		if f.MessageType != tt.want {
			t.Errorf("%s answered with %s, want %s", tt.send.Type, f.MessageType, tt.want)
		}
		if f.ID == "" {
			t.Errorf("%s frame has no id", f.MessageType)
		}
	}
}

func TestPushBroadcastsChanges(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialWS(t, s)

	deadline := time.Now().Add(5 * time.Second)
	for s.srv.Hub().Connections() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ctx := remote.WithActor(context.Background(), "actor-a")
	rec, err := s.svc.Create(ctx, entity.NewNote("", 0, "Hi", "", ""), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f := readFrames(t, conn, 1)[0]
	if f.MessageType != "note_created" {
		t.Fatalf("message type = %s", f.MessageType)
	}
	c, err := syncx.ParseChange(f.Data)
	if err != nil {
		t.Fatalf("ParseChange failed: %v", err)
	}
	if c.ID != rec.ID || c.Version != 1 || c.ActorID != "actor-a" {
		t.Errorf("change = %+v", c)
	}
}

func TestActorHeaderAttributesChanges(t *testing.T) {
	s := newTestServer(t, Config{})
	s.request(t, http.MethodPost, "/v1/notes", map[string]string{"title": "x"}, map[string]string{"X-Actor-ID": "actor-b"})

	changes := s.svc.Changes()
	if len(changes) != 1 || changes[0].ActorID != "actor-b" {
		t.Errorf("changes = %+v", changes)
	}
}
