package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/session"
	"github.com/fachebot/themepulse/internal/summarizer"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
)

const submitAcknowledgement = "Thank you for your response!"

type createSessionRequest struct {
	Question string `json:"question"`
}

type createSessionResponse struct {
	SessionID  string `json:"session_id"`
	AdminToken string `json:"admin_token"`
	StudentURL string `json:"student_url"`
	AdminURL   string `json:"admin_url"`
}

type sessionInfoResponse struct {
	SessionID     string `json:"session_id"`
	Question      string `json:"question"`
	ResponseCount int    `json:"response_count"`
}

type submitResponseRequest struct {
	StudentName string `json:"student_name"`
	Answer      string `json:"answer"`
}

type submitResponseResponse struct {
	Message    string `json:"message"`
	ResponseID string `json:"response_id"`
}

// SessionHandler 会话相关的 HTTP 接口
type SessionHandler struct {
	service  *session.Service
	config   *config.Server
	upgrader websocket.Upgrader
}

func NewSessionHandler(service *session.Service, cfg *config.Server) *SessionHandler {
	return &SessionHandler{
		service: service,
		config:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册会话路由
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/sessions", h.createSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/responses", h.submitResponse)
		r.Get("/stream", h.streamSSE)
		r.Get("/ws", h.streamWebSocket)
		r.Get("/qr", h.qrCode)
		r.Get("/summary", h.summaryText)
	})
}

// baseURL 优先使用配置的前端地址，否则取请求自身的地址
func (h *SessionHandler) baseURL(r *http.Request) string {
	if h.config.FrontendURL != "" {
		return h.config.FrontendURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func (h *SessionHandler) studentURL(r *http.Request, sessionID string) string {
	return fmt.Sprintf("%s/session/%s", h.baseURL(r), sessionID)
}

func (h *SessionHandler) health(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.service.Health())
}

func (h *SessionHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.service.CreateSession(r.Context(), req.Question)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, createSessionResponse{
		SessionID:  created.SessionID,
		AdminToken: created.AdminToken,
		StudentURL: h.studentURL(r, created.SessionID),
		AdminURL:   fmt.Sprintf("%s/session/%s/admin?token=%s", h.baseURL(r), created.SessionID, created.AdminToken),
	})
}

func (h *SessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.GetSessionInfo(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, sessionInfoResponse{
		SessionID:     info.SessionID,
		Question:      info.Question,
		ResponseCount: info.ResponseCount,
	})
}

func (h *SessionHandler) submitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitResponseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	submitted, err := h.service.SubmitResponse(r.Context(), chi.URLParam(r, "sessionID"), req.StudentName, req.Answer)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, submitResponseResponse{
		Message:    submitAcknowledgement,
		ResponseID: submitted.ResponseID,
	})
}

func (h *SessionHandler) qrCode(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.GetSessionInfo(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	png, err := qrcode.Encode(h.studentURL(r, info.SessionID), qrcode.Medium, 256)
	if err != nil {
		respondServiceError(w, fmt.Errorf("生成二维码失败: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// summaryText 以纯文本导出最近一次总结
func (h *SessionHandler) summaryText(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.LatestSummary(r.Context(), chi.URLParam(r, "sessionID"), r.URL.Query().Get("admin_token"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if summary == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(summarizer.FormatSummaryForDisplay(summary)))
}
