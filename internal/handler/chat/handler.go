package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chatService "github.com/9121343/sxudo/internal/service/chat"
	"github.com/9121343/sxudo/internal/service/memory"
	"github.com/9121343/sxudo/pkg/utils"
)

// multipart overhead allowed on top of the image limit
const formOverhead = 1 << 20

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/image-chat", h.handleImageChat)
	r.Post("/generate-image", h.handleGenerateImage)
	r.Get("/memory/{username}", h.handleGetMemory)
	r.Delete("/memory/{username}", h.handleClearMemory)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// ChatResponse is returned by the chat routes.
type ChatResponse struct {
	Reply     string `json:"reply"`
	Emotion   string `json:"emotion,omitempty"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
	ModelUsed string `json:"modelUsed,omitempty"`
}

// NewChatResponse converts a service result to its wire form.
func NewChatResponse(res chatService.Result) ChatResponse {
	return ChatResponse{
		Reply:     res.Reply,
		Emotion:   res.Emotion,
		Username:  res.Username,
		Timestamp: res.Timestamp.Format(time.RFC3339Nano),
		ModelUsed: res.ModelUsed,
	}
}

type generateImageResponse struct {
	Reply     string `json:"reply"`
	Prompt    string `json:"prompt"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// handleChat 处理一轮文本对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload ChatRequest
	if isJSON(r) {
		if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := parseForm(r, formOverhead); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		payload.Message = r.FormValue("message")
		payload.Username = r.FormValue("username")
	}

	res, err := h.chatSvc.HandleChat(r.Context(), payload.Username, payload.Message)
	if err != nil {
		respondServiceError(w, "chat", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, NewChatResponse(res))
}

// handleImageChat 处理带图片的对话（multipart）
func (h *Handler) handleImageChat(w http.ResponseWriter, r *http.Request) {
	limit := h.chatSvc.MaxImageBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(limit + formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondErrorWithSuggestion(w, http.StatusBadRequest, "image too large",
				fmt.Sprintf("upload an image smaller than %d bytes", limit))
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "multipart form with an image field is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, _, err := r.FormFile("image")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	img, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	res, err := h.chatSvc.HandleImageChat(r.Context(), r.FormValue("username"), r.FormValue("message"), img)
	if err != nil {
		respondServiceError(w, "image chat", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, NewChatResponse(res))
}

// handleGenerateImage 图片生成（仅返回描述文本）
func (h *Handler) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Prompt   string `json:"prompt"`
		Username string `json:"username"`
	}
	if isJSON(r) {
		if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := parseForm(r, formOverhead); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		payload.Prompt = r.FormValue("prompt")
		payload.Username = r.FormValue("username")
	}

	res, err := h.chatSvc.GenerateImage(r.Context(), payload.Username, payload.Prompt)
	if err != nil {
		respondServiceError(w, "image generation", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, generateImageResponse{
		Reply:     res.Reply,
		Prompt:    res.Prompt,
		Username:  res.Username,
		Timestamp: res.Timestamp.Format(time.RFC3339Nano),
	})
}

// handleGetMemory 返回用户的会话记忆
func (h *Handler) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	session := h.chatSvc.Memory(r.Context(), chi.URLParam(r, "username"))
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleClearMemory 清空用户的会话记忆
func (h *Handler) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ClearMemory(r.Context(), chi.URLParam(r, "username")); err != nil {
		respondServiceError(w, "memory clear", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Memory cleared successfully"})
}

// respondServiceError maps service errors to status codes.
func respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chatService.ErrEmptyMessage), errors.Is(err, chatService.ErrEmptyPrompt):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrInvalidImage):
		utils.RespondErrorWithSuggestion(w, http.StatusBadRequest, err.Error(), "upload a PNG, JPEG or GIF image")
	case errors.Is(err, memory.ErrStoreUnavailable):
		log.Error().Err(err).Str("op", op).Msg("memory store unavailable")
		utils.RespondErrorWithSuggestion(w, http.StatusInternalServerError,
			fmt.Sprintf("%s error: memory file unavailable", op),
			"check that the memory file is readable and writable")
	default:
		log.Error().Err(err).Str("op", op).Msg("request failed")
		utils.RespondErrorWithSuggestion(w, http.StatusInternalServerError,
			fmt.Sprintf("%s error: %v", op, err),
			"ensure the inference service is running and try again")
	}
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && strings.HasSuffix(mt, "json")
}

func parseForm(r *http.Request, max int64) error {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		return r.ParseMultipartForm(max)
	}
	return r.ParseForm()
}
