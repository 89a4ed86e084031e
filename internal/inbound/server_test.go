package inbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mail2chat/internal/transport"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type sentText struct {
	to, text string
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []sentText
	fails int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, sentText{to: to, text: text})
	return nil
}

func (f *fakeTransport) SendMedia(context.Context, string, transport.Media) error {
	return errors.New("not supported")
}

func (f *fakeTransport) messages() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type echoReplier struct{}

func (echoReplier) Reply(_ context.Context, userID, text string) string {
	return "echo " + userID + ": " + text
}

const testKey = "secret-key"

func newTestServer(tr *fakeTransport) *Server {
	return New(ServerConfig{
		ListenAddr: "127.0.0.1:0",
		APIKey:     testKey,
		Transport:  tr,
		Replier:    echoReplier{},
	})
}

func post(t *testing.T, s *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func waitReplies(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.handler.Wait(ctx); err != nil {
		t.Fatalf("background processing did not finish: %v", err)
	}
}

func upsert(jid, text string, fromMe bool) string {
	return `{"event":"messages.upsert","instance":"bot","data":{"key":{"remoteJid":"` + jid +
		`","fromMe":` + map[bool]string{true: "true", false: "false"}[fromMe] +
		`,"id":"ABC"},"pushName":"Tester","message":{"conversation":"` + text + `"}}}`
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeTransport{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body: got %s", rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("expected a request ID header")
	}
}

func TestWebhook_Authentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing key", "/webhook", nil, http.StatusUnauthorized},
		{"wrong key", "/webhook", map[string]string{"apikey": "nope"}, http.StatusUnauthorized},
		{"apikey header", "/webhook", map[string]string{"apikey": testKey}, http.StatusOK},
		{"bearer token", "/webhook", map[string]string{"Authorization": "Bearer " + testKey}, http.StatusOK},
		{"query parameter", "/webhook?apikey=" + testKey, nil, http.StatusOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(&fakeTransport{})
			rec := post(t, s, tt.path, `{"event":"connection.update"}`, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status: got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebhook_NoKeyConfigured(t *testing.T) {
	t.Parallel()

	s := New(ServerConfig{Transport: &fakeTransport{}, Replier: echoReplier{}})
	rec := post(t, s, "/webhook", `{"event":"connection.update"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
}

func TestWebhook_Replies(t *testing.T) {
	t.Parallel()

	const jid = "6281234@s.whatsapp.net"
	tests := []struct {
		text string
		want string
	}{
		{"!ping", pongText},
		{"!PING", pongText},
		{"!menu", menuText},
		{"!dance", unknownCommandText},
		{"what is new?", "echo " + jid + ": what is new?"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			tr := &fakeTransport{}
			s := newTestServer(tr)

			rec := post(t, s, "/webhook", upsert(jid, tt.text, false), map[string]string{"apikey": testKey})
			if rec.Code != http.StatusOK {
				t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
			}
			waitReplies(t, s)

			sent := tr.messages()
			if len(sent) != 1 {
				t.Fatalf("got %d replies, want 1", len(sent))
			}
			if sent[0].to != jid || sent[0].text != tt.want {
				t.Errorf("reply: got %+v, want to=%q text=%q", sent[0], jid, tt.want)
			}
		})
	}
}

func TestWebhook_ExtendedText(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := newTestServer(tr)
	body := `{"event":"messages.upsert","data":{"key":{"remoteJid":"u@s.whatsapp.net"},` +
		`"message":{"extendedTextMessage":{"text":"!ping"}}}}`

	post(t, s, "/webhook", body, map[string]string{"apikey": testKey})
	waitReplies(t, s)

	if sent := tr.messages(); len(sent) != 1 || sent[0].text != pongText {
		t.Errorf("got %+v", sent)
	}
}

func TestWebhook_Ignored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"own message", upsert("u@s.whatsapp.net", "!ping", true)},
		{"other event", `{"event":"connection.update","data":{"state":"open"}}`},
		{"no text", `{"event":"messages.upsert","data":{"key":{"remoteJid":"u"},"message":{"imageMessage":{}}}}`},
		{"no data", `{"event":"messages.upsert"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &fakeTransport{}
			s := newTestServer(tr)

			rec := post(t, s, "/webhook", tt.body, map[string]string{"apikey": testKey})
			if rec.Code != http.StatusOK {
				t.Fatalf("status: got %d", rec.Code)
			}
			waitReplies(t, s)
			if sent := tr.messages(); len(sent) != 0 {
				t.Errorf("expected no replies, got %+v", sent)
			}
		})
	}
}

func TestWebhook_InvalidPayload(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeTransport{})
	for _, body := range []string{`not json`, `{"event":"messages.upsert","data":42}`} {
		rec := post(t, s, "/webhook", body, map[string]string{"apikey": testKey})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", body, rec.Code)
		}
	}
}

func TestWebhook_MessageListInOrder(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := newTestServer(tr)
	body := `{"event":"MESSAGES_UPSERT","data":[` +
		`{"key":{"remoteJid":"a"},"message":{"conversation":"!ping"}},` +
		`{"key":{"remoteJid":"b","fromMe":true},"message":{"conversation":"!ping"}},` +
		`{"key":{"remoteJid":"c"},"message":{"conversation":"!menu"}}]}`

	rec := post(t, s, "/webhook/messages-upsert", body, map[string]string{"apikey": testKey})
	if !strings.Contains(rec.Body.String(), `"accepted":2`) {
		t.Errorf("body: got %s", rec.Body.String())
	}
	waitReplies(t, s)

	sent := tr.messages()
	if len(sent) != 2 || sent[0].to != "a" || sent[1].to != "c" {
		t.Errorf("replies: got %+v", sent)
	}
}

func TestWebhook_SendFailureSendsApology(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{fails: 1}
	s := newTestServer(tr)

	post(t, s, "/webhook", upsert("u", "!ping", false), map[string]string{"apikey": testKey})
	waitReplies(t, s)

	sent := tr.messages()
	if len(sent) != 1 || sent[0].text != apologyText {
		t.Errorf("got %+v, want one apology", sent)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeTransport{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Errorf("request ID: got %q, want %q", got, "req-42")
	}
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeTransport{})
	if s.Addr() != "" {
		t.Error("Addr should be empty before listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListenAndServe_BadAddress(t *testing.T) {
	t.Parallel()

	s := New(ServerConfig{ListenAddr: "256.0.0.1:99999", Transport: &fakeTransport{}, Replier: echoReplier{}})
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}
