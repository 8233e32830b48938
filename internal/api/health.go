package api

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// Pinger is a backing database.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Connectivity is an optional broker connection.
type Connectivity interface {
	IsConnected() bool
}

// StatusReporter reports a background component's state, e.g. the model
// file watcher.
type StatusReporter interface {
	Status() string
}

type HealthHandler struct {
	conv      Conversation
	db        Pinger
	mqtt      Connectivity
	scene     StatusReporter
	version   string
	startTime time.Time
}

// NewHealthHandler creates the health handler. db, mqtt and scene may be nil
// when the matching feature is not configured.
func NewHealthHandler(conv Conversation, db Pinger, mqtt Connectivity, scene StatusReporter, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		conv:      conv,
		db:        db,
		mqtt:      mqtt,
		scene:     scene,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	llmOK, ttsOK, sttOK := h.conv.Configured()
	checks["llm"] = configured(llmOK)
	if !llmOK {
		degrade()
	}
	checks["tts"] = configured(ttsOK)
	checks["stt"] = configured(sttOK)

	// Database check
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.db.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.scene != nil {
		checks["scene"] = h.scene.Status()
	} else {
		checks["scene"] = "static"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}

func configured(ok bool) string {
	if ok {
		return "ok"
	}
	return "not_configured"
}
