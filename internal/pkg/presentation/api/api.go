package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application/gateway"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

type statusResponse struct {
	ActiveGenerationSize int                    `json:"activeGenerationSize"`
	Sensors              []gateway.SensorStatus `json:"sensors"`
}

// RegisterHandlers wires up the local status surface: liveness,
// operational status and prometheus metrics.
func RegisterHandlers(ctx context.Context, gw gateway.Gateway) *chi.Mux {
	router := chi.NewRouter()

	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Get("/status", statusHandler(gw))

	router.Handle("/metrics", promhttp.Handler())

	return router
}

func statusHandler(gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		response := statusResponse{
			ActiveGenerationSize: gw.ActiveGenerationSize(ctx),
			Sensors:              gw.SensorStatuses(),
		}
		if response.Sensors == nil {
			response.Sensors = []gateway.SensorStatus{}
		}

		body, err := json.Marshal(response)
		if err != nil {
			logger := logging.GetLoggerFromContext(ctx)
			logger.Error().Err(err).Msg("unable to marshal status response")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
