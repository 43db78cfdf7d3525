package chat_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelchat "github.com/9121343/sxudo/internal/model/chat"
	"github.com/9121343/sxudo/internal/service/ai"
	chat "github.com/9121343/sxudo/internal/service/chat"
	"github.com/9121343/sxudo/internal/service/demo"
	"github.com/9121343/sxudo/internal/service/memory"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fakeGateway struct {
	mu     sync.Mutex
	reply  ai.ReplyResult
	image  ai.ReplyResult
	turns  [][]*schema.Message
	images [][]byte
}

func (g *fakeGateway) GetReply(_ context.Context, _ string, turns []*schema.Message) ai.ReplyResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turns = append(g.turns, turns)
	return g.reply
}

func (g *fakeGateway) GetImageReply(_ context.Context, _ string, img []byte) ai.ReplyResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.images = append(g.images, img)
	return g.image
}

func setupService(t *testing.T, gw *fakeGateway) (*chat.Service, *memory.Store) {
	t.Helper()
	store := memory.New(filepath.Join(t.TempDir(), "sxudo_memory.json"))
	svc := chat.NewService(store, gw, demo.NewResponder(), chat.WithClock(func() time.Time { return fixedNow }))
	return svc, store
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHandleChatUsesDemoWhenGatewayFails(t *testing.T) {
	svc, store := setupService(t, &fakeGateway{})

	res, err := svc.HandleChat(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, demo.NewResponder().Respond("hello", "alice", nil), res.Reply)
	assert.Contains(t, res.Reply, "alice")
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, "😊", res.Emotion)
	assert.Empty(t, res.ModelUsed)
	assert.True(t, fixedNow.Equal(res.Timestamp))

	session := store.Load("alice")
	require.Len(t, session.History, 1)
	assert.Equal(t, "hello", session.History[0].UserText)
	assert.Equal(t, res.Reply, session.History[0].AssistantText)
	assert.NotEmpty(t, session.History[0].ID)
	assert.False(t, session.FirstInteraction)
}

func TestHandleChatUsesGatewayReply(t *testing.T) {
	gw := &fakeGateway{reply: ai.ReplyResult{Text: "I'm here for you.", ModelUsed: "sxudo@http://localhost:11434", Succeeded: true}}
	svc, store := setupService(t, gw)

	res, err := svc.HandleChat(context.Background(), "bob", "I'm so sad today")
	require.NoError(t, err)
	assert.Equal(t, "I'm here for you.", res.Reply)
	assert.Equal(t, "😢", res.Emotion)
	assert.Equal(t, "sxudo@http://localhost:11434", res.ModelUsed)

	turn := store.Load("bob").History[0]
	assert.Equal(t, "😢", turn.Emotion)
	assert.Equal(t, "sxudo@http://localhost:11434", turn.ModelUsed)
}

func TestHandleChatBuildsOrderedPrompt(t *testing.T) {
	gw := &fakeGateway{}
	svc, store := setupService(t, gw)

	_, err := store.Append("alice", modelchat.Turn{UserText: "first", AssistantText: "first reply"})
	require.NoError(t, err)
	_, err = store.Append("alice", modelchat.Turn{UserText: "second", AssistantText: "second reply"})
	require.NoError(t, err)

	_, err = svc.HandleChat(context.Background(), "alice", "third")
	require.NoError(t, err)

	require.Len(t, gw.turns, 1)
	turns := gw.turns[0]
	require.Len(t, turns, 6)
	assert.Equal(t, schema.System, turns[0].Role)
	assert.Equal(t, ai.NewPromptManager().BaselinePrompt(), turns[0].Content)

	want := []struct {
		role    schema.RoleType
		content string
	}{
		{schema.User, "first"},
		{schema.Assistant, "first reply"},
		{schema.User, "second"},
		{schema.Assistant, "second reply"},
		{schema.User, "third"},
	}
	for i, w := range want {
		assert.Equal(t, w.role, turns[i+1].Role)
		assert.Equal(t, w.content, turns[i+1].Content)
	}
}

func TestHandleChatKeepsBracesInMessage(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := setupService(t, gw)

	_, err := svc.HandleChat(context.Background(), "alice", "what does {name} mean?")
	require.NoError(t, err)
	turns := gw.turns[0]
	assert.Equal(t, "what does {name} mean?", turns[len(turns)-1].Content)
}

func TestHandleChatValidation(t *testing.T) {
	svc, store := setupService(t, &fakeGateway{})

	_, err := svc.HandleChat(context.Background(), "alice", "   ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Empty(t, store.Users())

	res, err := svc.HandleChat(context.Background(), "  ", "hi there")
	require.NoError(t, err)
	assert.Equal(t, modelchat.DefaultUsername, res.Username)
	assert.Len(t, store.Load(modelchat.DefaultUsername).History, 1)
}

func TestHandleChatHistoryBound(t *testing.T) {
	svc, store := setupService(t, &fakeGateway{})

	for i := 0; i < 8; i++ {
		_, err := svc.HandleChat(context.Background(), "alice", "message")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(store.Load("alice").History), memory.DefaultMaxHistory)
	}
}

func TestHandleImageChat(t *testing.T) {
	gw := &fakeGateway{image: ai.ReplyResult{Text: "A tiny red pixel.", ModelUsed: "llava@http://localhost:11434", Succeeded: true}}
	svc, store := setupService(t, gw)
	img := pngBytes(t)

	res, err := svc.HandleImageChat(context.Background(), "alice", "what is this?", img)
	require.NoError(t, err)
	assert.Equal(t, "A tiny red pixel.", res.Reply)
	assert.Empty(t, res.Emotion)

	require.Len(t, gw.images, 1)
	assert.Equal(t, img, gw.images[0])

	turn := store.Load("alice").History[0]
	assert.Equal(t, "[Image] what is this?", turn.UserText)
	assert.True(t, turn.HasImage)
	assert.Empty(t, turn.Emotion)
}

func TestHandleImageChatFallback(t *testing.T) {
	svc, _ := setupService(t, &fakeGateway{})

	res, err := svc.HandleImageChat(context.Background(), "alice", "look at this", pngBytes(t))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "look at this")

	again, err := svc.HandleImageChat(context.Background(), "alice", "look at this", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, res.Reply, again.Reply)
}

func TestHandleImageChatRejectsInvalidImage(t *testing.T) {
	gw := &fakeGateway{}
	svc, store := setupService(t, gw)

	_, err := svc.HandleImageChat(context.Background(), "alice", "what is this?", []byte("definitely not an image"))
	assert.ErrorIs(t, err, chat.ErrInvalidImage)

	_, err = svc.HandleImageChat(context.Background(), "alice", "what is this?", nil)
	assert.ErrorIs(t, err, chat.ErrInvalidImage)

	assert.Empty(t, gw.images)
	assert.Empty(t, store.Users())
}

func TestHandleImageChatRejectsTruncatedImage(t *testing.T) {
	gw := &fakeGateway{}
	svc, store := setupService(t, gw)

	full := pngBytes(t)
	truncated := full[:40]
	// the header alone is still intact
	_, _, err := image.DecodeConfig(bytes.NewReader(truncated))
	require.NoError(t, err)

	_, err = svc.HandleImageChat(context.Background(), "alice", "what is this?", truncated)
	assert.ErrorIs(t, err, chat.ErrInvalidImage)
	assert.Empty(t, gw.images)
	assert.Empty(t, store.Users())
}

func TestHandleImageChatSizeLimit(t *testing.T) {
	store := memory.New(filepath.Join(t.TempDir(), "sxudo_memory.json"))
	svc := chat.NewService(store, &fakeGateway{}, demo.NewResponder(), chat.WithMaxImageBytes(16))

	_, err := svc.HandleImageChat(context.Background(), "alice", "big", pngBytes(t))
	assert.ErrorIs(t, err, chat.ErrInvalidImage)
	assert.EqualValues(t, 16, svc.MaxImageBytes())
}

func TestGenerateImageIsNotPersisted(t *testing.T) {
	svc, store := setupService(t, &fakeGateway{})

	res, err := svc.GenerateImage(context.Background(), "alice", "a sunset over the sea")
	require.NoError(t, err)
	assert.Equal(t, "a sunset over the sea", res.Prompt)
	assert.Contains(t, res.Reply, "a sunset over the sea")
	assert.Empty(t, store.Users())

	_, err = svc.GenerateImage(context.Background(), "alice", " ")
	assert.ErrorIs(t, err, chat.ErrEmptyPrompt)
}

func TestMemoryAndClear(t *testing.T) {
	svc, _ := setupService(t, &fakeGateway{})

	_, err := svc.HandleChat(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Len(t, svc.Memory(context.Background(), "alice").History, 1)

	require.NoError(t, svc.ClearMemory(context.Background(), "alice"))
	assert.Equal(t, modelchat.NewSession("alice"), svc.Memory(context.Background(), "alice"))
}

func TestConcurrentChatsForSameUser(t *testing.T) {
	store := memory.New(filepath.Join(t.TempDir(), "sxudo_memory.json"), memory.WithMaxHistory(20))
	svc := chat.NewService(store, &fakeGateway{}, demo.NewResponder())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HandleChat(context.Background(), "alice", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.Load("alice").History, 10)
}
