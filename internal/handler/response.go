package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/fachebot/themepulse/internal/session"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warnf("[HTTP] 编码响应失败: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, detail string) {
	RespondJSON(w, status, map[string]string{"detail": detail})
}

// maxRequestBodyBytes 请求体上限。5000 字符的回答按 \uXXXX 代理对转义最多约 60KB
const maxRequestBodyBytes = 128 << 10

// decodeJSON 限制大小后解析请求体，失败时直接写入错误响应
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondServiceError 将会话服务的错误映射为状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		RespondError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrForbidden):
		RespondError(w, http.StatusForbidden, "Invalid admin token")
	case errors.Is(err, model.ErrInvalidInput):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrServiceClosed):
		RespondError(w, http.StatusServiceUnavailable, "service shutting down")
	default:
		logger.Errorf("[HTTP] 处理请求失败: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sendSSEEvent 发送带事件类型的SSE消息
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, e notify.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
