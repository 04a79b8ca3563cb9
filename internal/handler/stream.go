package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame WebSocket 推送的消息格式
type wsFrame struct {
	Event notify.EventType `json:"event"`
	Data  any              `json:"data"`
}

// streamSSE 以 Server-Sent Events 推送会话更新
func (h *SessionHandler) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	stream, err := h.service.OpenUpdateStream(r.Context(), sessionID, r.URL.Query().Get("admin_token"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	defer stream.Close()

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		e, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, notify.ErrSubscriberClosed) {
				logger.Warnf("[SSE] 会话 %s 读取事件失败: %v", sessionID, err)
			}
			return
		}

		if err := sendSSEEvent(w, flusher, e); err != nil {
			logger.Debugf("[SSE] 会话 %s 写入事件失败: %v", sessionID, err)
			return
		}
	}
}

// streamWebSocket 以 WebSocket 推送会话更新，每帧为 {event, data}
func (h *SessionHandler) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	stream, err := h.service.OpenUpdateStream(r.Context(), sessionID, r.URL.Query().Get("admin_token"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	defer stream.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[WebSocket] 会话 %s 升级连接失败: %v", sessionID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 客户端只接收推送，读循环用于感知断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debugf("[WebSocket] 会话 %s 连接异常关闭: %v", sessionID, err)
				}
				return
			}
		}
	}()

	for {
		e, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, notify.ErrSubscriberClosed) {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), deadline)
			}
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsFrame{Event: e.Type, Data: e.Data}); err != nil {
			logger.Debugf("[WebSocket] 会话 %s 写入事件失败: %v", sessionID, err)
			return
		}
	}
}
