package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/vanish/internal/async"
	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/conversation"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/filestore"
	"github.com/adred-codev/vanish/internal/hub"
	"github.com/adred-codev/vanish/internal/message"
	"github.com/adred-codev/vanish/internal/push"
	"github.com/adred-codev/vanish/internal/queue"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopPusher struct{}

func (noopPusher) NotifyNewMessage(context.Context, *domain.Conversation, string)          {}
func (noopPusher) NotifyConversationDeleted(context.Context, *domain.Conversation, string) {}

func newTestServer(t *testing.T) (*Server, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	st := store.NewMemory()
	q := queue.New(c, time.Hour)
	pool := async.NewPool(1, 16, zerolog.Nop())

	convs := conversation.NewService(conversation.Config{ShareBaseURL: "https://vanish.example"}, st, c, noopPusher{}, clk, zerolog.Nop())
	msgs := message.NewService(message.Config{}, st, c, q, noopPusher{}, clk, zerolog.Nop())
	files := filestore.NewService(filestore.Config{BaseDir: t.TempDir()}, st, c, pool, clk, zerolog.Nop())
	registry := push.NewRegistry(st, c, clk, zerolog.Nop())
	h := hub.New(16, zerolog.Nop())

	return NewServer(convs, msgs, files, registry, h, st, c, zerolog.Nop()), clk
}

func do(t *testing.T, s *Server, method, path, device string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if device != "" {
		req.Header.Set("X-Device-ID", device)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func createConv(t *testing.T, s *Server, device string) uuid.UUID {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/conversations", device, map[string]int{"ttlHours": 24})
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv.ID
}

func TestCreateConversationRequiresDeviceHeader(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/conversations", "", map[string]int{"ttlHours": 24})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	id := createConv(t, s, "device-1")

	rec := do(t, s, http.MethodGet, "/api/conversations/"+id.String(), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/conversations", "device-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/share", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var share shareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &share))
	assert.Equal(t, "https://vanish.example/join/"+id.String(), share.ShareURL)

	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/accessible", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accessible":true}`, rec.Body.String())

	// Non-initiator delete is forbidden; initiator delete succeeds.
	rec = do(t, s, http.MethodDelete, "/api/conversations/"+id.String(), "device-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/conversations/"+id.String(), "device-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetUnknownConversationIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/conversations/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/conversations/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinLinkIsSingleShot(t *testing.T) {
	s, _ := newTestServer(t)
	id := createConv(t, s, "device-1")

	rec := do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/join", "device-2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/join", "device-3", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/participants/device-2/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":true}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/leave", "device-2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/participants/device-2/status", "", nil)
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())
}

func TestMessagePaths(t *testing.T) {
	s, _ := newTestServer(t)
	id := createConv(t, s, "device-1")
	payload := map[string]string{"ciphertext": "ZW5jcnlwdGVk", "nonce": "bm9uY2U=", "messageType": "TEXT"}

	rec := do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/messages/buffered", "device-1", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var receipt message.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, message.StatusQueued, receipt.Status)
	assert.NotEqual(t, uuid.Nil, receipt.ServerID)

	rec = do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/messages", "device-1", payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))

	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/messages?since=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Single-shot consume: first read wins, second is gone.
	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/messages/"+msg.ID.String(), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/messages/"+msg.ID.String(), "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestMessageFromOutsiderIsForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	id := createConv(t, s, "device-1")
	payload := map[string]string{"ciphertext": "x", "nonce": "n", "messageType": "TEXT"}

	rec := do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/messages", "device-9", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFileUploadAndDownload(t *testing.T) {
	s, _ := newTestServer(t)
	id := createConv(t, s, "device-1")
	body := []byte("encrypted file bytes")

	rec := do(t, s, http.MethodPost, "/api/conversations/"+id.String()+"/files", "device-1", map[string]string{
		"data":     base64.StdEncoding.EncodeToString(body),
		"fileName": "secret.pdf",
		"mimeType": "application/pdf",
		"nonce":    "bm9uY2U=",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.NotNil(t, msg.FileRef)

	rec = do(t, s, http.MethodGet, "/api/files/"+msg.FileRef.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
}

func TestDeviceTokenEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/devices/token", "device-1", map[string]string{"token": "tok-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tok domain.DeviceToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.True(t, tok.Active)

	rec = do(t, s, http.MethodPost, "/api/devices/logout", "device-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestExpiredConversationTurnsInaccessible(t *testing.T) {
	s, clk := newTestServer(t)
	id := createConv(t, s, "device-1")

	clk.Advance(25 * time.Hour)
	rec := do(t, s, http.MethodGet, "/api/conversations/"+id.String()+"/accessible", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accessible":false}`, rec.Body.String())
}
