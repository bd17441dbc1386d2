package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/api/handlers"
	"tradecore/internal/api/middleware"
	"tradecore/internal/websocket"
	"tradecore/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthChecker - проверка внешней зависимости (Postgres, Redis)
type HealthChecker func(ctx context.Context) error

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Monitor  handlers.PositionMonitor
	DLQ      handlers.DeadLetterQueue
	Signals  handlers.SignalSink
	Users    []string // пользователи, для которых принимаются сигналы
	Rate     handlers.RateStatus
	Losses   handlers.LossStatus
	Halts    handlers.HaltControl
	Exposure handlers.ExposureStatus // может быть nil
	Settings handlers.SettingsStore
	Hub      *websocket.Hub

	TokenHash      string // bcrypt-хеш токена управляющих маршрутов
	AllowedOrigins string
	Checks         map[string]HealthChecker
}

// SetupRoutes настраивает все HTTP маршруты
//
// Структура маршрутов:
//
//	/health                                GET  - живость и проверки зависимостей
//	/metrics                               GET  - метрики Prometheus
//	/api/v1/positions                      GET  - отслеживаемые позиции
//	/api/v1/positions/{id}/close           POST - закрыть позицию (auth)
//	/api/v1/dlq                            GET  - записи DLQ
//	/api/v1/dlq/stats                      GET  - количество записей по статусам
//	/api/v1/dlq/{id}/requeue               POST - вернуть запись в очередь (auth)
//	/api/v1/signals                        POST - принять сигнал (auth)
//	/api/v1/limits/{user}                  GET  - состояние ограничений
//	/api/v1/limits/{user}/resume           POST - снять остановку (auth)
//	/api/v1/limits/{user}/unblock          POST - снять дневную блокировку (auth)
//	/api/v1/settings/{user}                GET  - риск-настройки
//	/api/v1/settings/{user}                PUT  - заменить риск-настройки (auth)
//	/ws/stream?user=<id>                   WebSocket события позиций и DLQ
//
// Middleware: Recovery, Logging, CORS для всех маршрутов; BearerAuth для управляющих.
func SetupRoutes(deps *Dependencies, log *utils.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler(deps.Checks)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	auth := middleware.BearerAuth(deps.TokenHash, log)
	ctl := func(fn http.HandlerFunc) http.Handler { return auth(fn) }

	if deps.Monitor != nil {
		h := handlers.NewPositionHandler(deps.Monitor)
		api.HandleFunc("/positions", h.ListPositions).Methods(http.MethodGet)
		api.Handle("/positions/{id:[0-9]+}/close", ctl(h.ClosePosition)).Methods(http.MethodPost)
	}

	if deps.DLQ != nil {
		h := handlers.NewDLQHandler(deps.DLQ)
		api.HandleFunc("/dlq", h.ListEntries).Methods(http.MethodGet)
		api.HandleFunc("/dlq/stats", h.GetStats).Methods(http.MethodGet)
		api.Handle("/dlq/{id}/requeue", ctl(h.Requeue)).Methods(http.MethodPost)
	}

	if deps.Signals != nil {
		h := handlers.NewSignalHandler(deps.Signals, deps.Users)
		api.Handle("/signals", ctl(h.SubmitSignal)).Methods(http.MethodPost)
	}

	if deps.Rate != nil && deps.Losses != nil && deps.Halts != nil {
		h := handlers.NewLimitsHandler(deps.Rate, deps.Losses, deps.Halts)
		if deps.Exposure != nil {
			h.WithExposure(deps.Exposure)
		}
		api.HandleFunc("/limits/{user}", h.GetLimits).Methods(http.MethodGet)
		api.Handle("/limits/{user}/resume", ctl(h.Resume)).Methods(http.MethodPost)
		api.Handle("/limits/{user}/unblock", ctl(h.Unblock)).Methods(http.MethodPost)
	}

	if deps.Settings != nil {
		h := handlers.NewSettingsHandler(deps.Settings)
		api.HandleFunc("/settings/{user}", h.GetSettings).Methods(http.MethodGet)
		api.Handle("/settings/{user}", ctl(h.UpdateSettings)).Methods(http.MethodPut)
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", websocket.Handler(deps.Hub, websocket.NewOriginChecker(deps.AllowedOrigins)))
	}

	// оборачиваем снаружи роутера: preflight OPTIONS и 404 тоже проходят через middleware
	var h http.Handler = router
	h = middleware.CORS(deps.AllowedOrigins)(h)
	h = middleware.Logging(log)(h)
	h = middleware.Recovery(log)(h)
	return h
}

// healthResponse - ответ /health
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthHandler возвращает 200, если все проверки прошли, иначе 503
func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}
