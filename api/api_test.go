package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"batchflow/auth"
	"batchflow/batcher"
	"batchflow/config"
	"batchflow/logger"
	"batchflow/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	got     []string
	flushes int
	closed  bool
}

func (f *fakeService) Dispatch(msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return batcher.ErrPoolClosed
	}
	f.got = append(f.got, msg.Content)
	return nil
}

func (f *fakeService) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeService) Stats() types.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Stats{Accepted: uint64(len(f.got))}
}

func (f *fakeService) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func newTestServer(t *testing.T, withAuth bool) (*Server, *fakeService) {
	t.Helper()
	var authn *auth.Authenticator
	if withAuth {
		cfg := config.Default().Auth
		cfg.Secret = "secret"
		cfg.Password = "pw"
		require.NoError(t, cfg.ToDuration())
		var err error
		authn, err = auth.New(&cfg)
		require.NoError(t, err)
	}
	svc := &fakeService{}
	return NewServer(":0", svc, authn, logger.New(&bytes.Buffer{})), svc
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]interface{})
	return data["token"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := do(t, s.Handler(), http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode(t, rec).Success)
}

func TestPostMessages(t *testing.T) {
	s, svc := newTestServer(t, false)

	rec := do(t, s.Handler(), http.MethodPost, "/api/messages", `{"content":"a","messages":["b","c"]}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"a", "b", "c"}, svc.contents())

	rec = do(t, s.Handler(), http.MethodPost, "/api/messages", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/api/messages", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessagesAfterClose(t *testing.T) {
	s, svc := newTestServer(t, false)
	svc.closed = true

	rec := do(t, s.Handler(), http.MethodPost, "/api/messages", `{"content":"a"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFlushAndStats(t *testing.T) {
	s, svc := newTestServer(t, false)
	do(t, s.Handler(), http.MethodPost, "/api/messages", `{"content":"a"}`, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/flush", "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, svc.flushes)

	rec = do(t, s.Handler(), http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["accepted"])
}

func TestAuthRequired(t *testing.T) {
	s, svc := newTestServer(t, true)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/messages", `{"content":"a"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/messages", `{"content":"a"}`, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := login(t, h)
	rec = do(t, h, http.MethodPost, "/api/messages", `{"content":"a"}`, token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"a"}, svc.contents())

	rec = do(t, h, http.MethodPost, "/api/auth/logout", "", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/stats", "", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := do(t, s.Handler(), http.MethodPost, "/api/auth/login", `{"username":"admin","password":"x"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebsocketIngest(t *testing.T) {
	s, svc := newTestServer(t, true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := login(t, s.Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i, content := range []string{"x", "y"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(content)))
		var ack wsAck
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, uint64(i), ack.Seq)
		assert.True(t, ack.Accepted)
	}
	assert.Equal(t, []string{"x", "y"}, svc.contents())
}

func TestWebsocketRejectsWithoutToken(t *testing.T) {
	s, _ := newTestServer(t, true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
