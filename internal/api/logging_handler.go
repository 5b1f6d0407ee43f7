package api

import (
	"net/http"

	"github.com/busybox42/mxverify/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(s.config.LogLevel.Level()),
	})
}

// handleSetLogLevel changes the log level at runtime
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil || req.Level == "" {
		writeError(w, http.StatusBadRequest, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR")
		return
	}

	s.config.LogLevel.Set(level)
	requestLogger(r, s.logger).Info("Log level changed", "level", logging.LevelToString(level))

	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "Log level updated successfully",
	})
}
