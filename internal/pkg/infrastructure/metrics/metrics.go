package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_readings_collected_total",
		Help: "Number of readings successfully captured and appended, per sensor.",
	}, []string{"sensor_id"})

	ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_read_failures_total",
		Help: "Number of poll cycles that did not produce a reading, per sensor and reason.",
	}, []string{"sensor_id", "reason"})

	PayloadsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payloads_sent_total",
		Help: "Number of payloads confirmed delivered to the sink.",
	})

	PayloadSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payload_send_failures_total",
		Help: "Number of uploader cycles that exhausted their delivery attempts.",
	})

	ActiveGenerationSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_generation_size",
		Help: "Number of readings waiting in the active buffer generation.",
	})
)
