package chat

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9121343/sxudo/internal/config"
	modelchat "github.com/9121343/sxudo/internal/model/chat"
	"github.com/9121343/sxudo/internal/service/ai"
	chatservice "github.com/9121343/sxudo/internal/service/chat"
	"github.com/9121343/sxudo/internal/service/demo"
	"github.com/9121343/sxudo/internal/service/memory"
)

// setupRouter wires the real services against an Ollama host that is not running.
func setupRouter(t *testing.T) (*chi.Mux, *memory.Store) {
	t.Helper()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	store := memory.New(filepath.Join(t.TempDir(), "sxudo_memory.json"))
	gateway := ai.NewGateway(config.OllamaConfig{
		Host:         downURL,
		NamedModel:   "sxudo",
		DefaultModel: "llama3",
		VisionModel:  "llava",
		Timeout:      time.Second,
		ProbeTimeout: time.Second,
	}, ai.NewOllamaConnector(time.Second, nil))
	svc := chatservice.NewService(store, gateway, demo.NewResponder())

	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r, store
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeSession(t *testing.T, resp *httptest.ResponseRecorder) modelchat.Session {
	t.Helper()
	var session modelchat.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))
	return session
}

func TestChatThenMemory(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/chat", map[string]string{"message": "hello", "username": "alice"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var chatResp ChatResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &chatResp))
	assert.Equal(t, demo.NewResponder().Respond("hello", "alice", nil), chatResp.Reply)
	assert.Contains(t, chatResp.Reply, "alice")
	assert.Equal(t, "alice", chatResp.Username)
	assert.NotEmpty(t, chatResp.Emotion)
	_, err := time.Parse(time.RFC3339Nano, chatResp.Timestamp)
	assert.NoError(t, err)

	resp = doJSON(t, r, http.MethodGet, "/memory/alice", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	session := decodeSession(t, resp)
	assert.Equal(t, "alice", session.Username)
	require.Len(t, session.History, 1)
	assert.Equal(t, "hello", session.History[0].UserText)
	assert.False(t, session.FirstInteraction)
}

func TestClearMemory(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/chat", map[string]string{"message": "hello", "username": "alice"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, r, http.MethodDelete, "/memory/alice", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"message":"Memory cleared successfully"}`, resp.Body.String())

	resp = doJSON(t, r, http.MethodGet, "/memory/alice", nil)
	session := decodeSession(t, resp)
	assert.NotNil(t, session.History)
	assert.Empty(t, session.History)
	assert.True(t, session.FirstInteraction)
	assert.Contains(t, resp.Body.String(), `"history":[]`)
}

func TestMemoryOfUnknownUser(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(t, r, http.MethodGet, "/memory/nobody", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"username":"nobody","history":[],"firstInteraction":true}`, resp.Body.String())
}

func TestChatDefaultsUsername(t *testing.T) {
	r, store := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/chat", map[string]string{"message": "hi there"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, store.Load("default").History, 1)
}

func TestChatAcceptsForm(t *testing.T) {
	r, store := setupRouter(t)

	form := url.Values{"message": {"hello"}, "username": {"carol"}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, store.Load("carol").History, 1)
}

func TestChatRejectsBadInput(t *testing.T) {
	r, store := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/chat", map[string]string{"message": "  ", "username": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, store.Users())
}

func multipartImage(t *testing.T, message, username string, img []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("message", message))
	require.NoError(t, mw.WriteField("username", username))
	if img != nil {
		fw, err := mw.CreateFormFile("image", "upload.png")
		require.NoError(t, err)
		_, err = fw.Write(img)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/image-chat", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestImageChat(t *testing.T) {
	r, store := setupRouter(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3, 3))))

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, multipartImage(t, "what is this?", "alice", buf.Bytes()))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var chatResp ChatResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &chatResp))
	assert.Contains(t, chatResp.Reply, "what is this?")
	assert.Empty(t, chatResp.Emotion)

	history := store.Load("alice").History
	require.Len(t, history, 1)
	assert.Equal(t, "[Image] what is this?", history[0].UserText)
	assert.True(t, history[0].HasImage)
}

func TestImageChatRejectsInvalidUpload(t *testing.T) {
	r, store := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, multipartImage(t, "what is this?", "alice", []byte("plain text, not an image")))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "suggestion")

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, multipartImage(t, "what is this?", "alice", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	assert.Empty(t, store.Users())
}

func TestGenerateImage(t *testing.T) {
	r, store := setupRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/generate-image", map[string]string{"prompt": "a lighthouse", "username": "alice"})
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "a lighthouse", body["prompt"])
	assert.Equal(t, "alice", body["username"])
	assert.Contains(t, body["reply"], "a lighthouse")
	assert.NotEmpty(t, body["timestamp"])
	assert.Empty(t, store.Users())

	resp = doJSON(t, r, http.MethodPost, "/generate-image", map[string]string{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
