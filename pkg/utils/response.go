package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
)

var errEmptyBody = errors.New("request body is empty")

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.For("http").WithError(err).Warn("failed to encode response")
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON 解析请求体，拒绝空请求体
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errEmptyBody
	}
	return json.NewDecoder(r.Body).Decode(dst)
}
