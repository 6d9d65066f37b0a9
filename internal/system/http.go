package system

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/webhook"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/ws"
)

// NewHTTPHandler builds the control plane's HTTP surface: the inbound
// webhook endpoint, the replay API, liveness, Prometheus exposition, and
// the WebSocket upgrade.
func (s *System) NewHTTPHandler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	webhookHTTP := webhook.NewHTTPHandler(s.Ingestor, s.logger)
	webhookHTTP.Mount(r)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.Sink.Handler())
	r.Get("/ws", s.handleWS)

	return r
}

// handleHealthz reports liveness of the two storage halves plus the hub's
// client count.
func (s *System) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	dbOK, brokerOK := true, true
	if err := s.Storage.Ping(ctx); err != nil {
		dbOK = false
		status = http.StatusServiceUnavailable
	}
	if err := s.Broker.Ping(ctx); err != nil {
		brokerOK = false
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := `{"database":` + boolJSON(dbOK) +
		`,"broker":` + boolJSON(brokerOK) +
		`,"leader":` + boolJSON(s.isLeaderFn()()) +
		`,"ws_clients":` + strconv.Itoa(s.Hub.ConnectedCount()) +
		`,"ws_evicted":` + strconv.FormatUint(s.Hub.EvictedCount(), 10) + `}`
	_, _ = w.Write([]byte(body))
}

func boolJSON(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// handleWS upgrades GET /ws?topics=job:<id>,runner:<id>,... and streams
// matching events until the client disconnects.
func (s *System) handleWS(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	if len(topics) == 0 {
		http.Error(w, "topics query parameter is required", http.StatusBadRequest)
		return
	}
	for _, topic := range topics {
		if !ws.ValidTopic(topic) {
			http.Error(w, "unknown topic "+topic, http.StatusBadRequest)
			return
		}
	}

	client, err := ws.NewClient(s.Hub, w, r, topics, s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
