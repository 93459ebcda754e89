package reader

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/buffer"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/dedup"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/modbus"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/serialport"
	"github.com/diwise/iot-telemetry-gateway/pkg/types"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoResponse
	OutcomePortUnavailable
	OutcomeDecodeError
)

// PollResult is the tagged outcome of a single poll cycle, so callers
// branch on the outcome instead of matching error types.
type PollResult struct {
	Outcome Outcome
	Value   float64
	Err     error
}

// SensorReader owns the polling loop for one configured sensor port.
type SensorReader interface {
	Run(ctx context.Context)
	LastReading() (types.Reading, bool)
}

func New(cfg application.SensorConfig, store buffer.Store, tracker dedup.Tracker, ports serialport.Provider) SensorReader {
	return &sensorReader{
		cfg:         cfg,
		store:       store,
		tracker:     tracker,
		ports:       ports,
		interval:    cfg.ReadInterval(),
		readTimeout: time.Second,
		sleepFloor:  100 * time.Millisecond,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type sensorReader struct {
	cfg     application.SensorConfig
	store   buffer.Store
	tracker dedup.Tracker
	ports   serialport.Provider

	interval    time.Duration
	readTimeout time.Duration
	sleepFloor  time.Duration
	rnd         *rand.Rand

	mu   sync.RWMutex
	last *types.Reading
}

func (r *sensorReader) Run(ctx context.Context) {
	ctx = logging.WithSensor(ctx, r.cfg.SensorID, r.cfg.PortID)
	log := logging.GetLoggerFromContext(ctx)

	if !r.cfg.Active {
		log.Info().Msg("sensor is not active, reader will not start")
		return
	}

	log.Info().
		Str("type", r.cfg.SensorTypeCode).
		Bool("simulate", r.cfg.Simulate).
		Dur("interval", r.interval).
		Msg("sensor reader started")

	cycleCount := 0

	for {
		cycleStart := time.Now()
		cycleCount++

		r.cycle(ctx)

		// an overrunning cycle never stacks; the next sleep is clamped
		// to a floor instead
		wait := r.interval - time.Since(cycleStart)
		if wait < r.sleepFloor {
			wait = r.sleepFloor
		}

		select {
		case <-ctx.Done():
			log.Info().Int("cycles", cycleCount).Msg("sensor reader stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (r *sensorReader) LastReading() (types.Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.last == nil {
		return types.Reading{}, false
	}
	return *r.last, true
}

func (r *sensorReader) cycle(ctx context.Context) {
	log := logging.GetLoggerFromContext(ctx)

	result := r.poll(ctx)

	switch result.Outcome {
	case OutcomeSuccess:
		err := r.record(ctx, result.Value)
		if err != nil {
			log.Error().Err(err).Msg("could not record reading")
			metrics.ReadFailures.WithLabelValues(r.cfg.SensorID, "store").Inc()
		}
	case OutcomePortUnavailable:
		log.Warn().Err(result.Err).Msg("port is not available, skipping cycle")
		metrics.ReadFailures.WithLabelValues(r.cfg.SensorID, "port_unavailable").Inc()
	case OutcomeNoResponse:
		log.Error().Err(result.Err).Msg("no response from sensor")
		metrics.ReadFailures.WithLabelValues(r.cfg.SensorID, "no_response").Inc()
	case OutcomeDecodeError:
		var devErr modbus.DeviceError
		if errors.As(result.Err, &devErr) {
			log.Error().Err(result.Err).Msg("device reported an error")
			metrics.ReadFailures.WithLabelValues(r.cfg.SensorID, "device_error").Inc()
		} else {
			log.Error().Err(result.Err).Msg("could not decode response")
			metrics.ReadFailures.WithLabelValues(r.cfg.SensorID, "decode_error").Inc()
		}
	}
}

func (r *sensorReader) record(ctx context.Context, value float64) error {
	readingID, err := r.tracker.Mint(ctx, dedup.KindReading)
	if err != nil {
		return err
	}

	reading := types.Reading{
		ReadingID:        readingID,
		SensorID:         r.cfg.SensorID,
		SensorTypeID:     r.cfg.SensorTypeID,
		SensorTypeCode:   r.cfg.SensorTypeCode,
		SensorPositionID: r.cfg.SensorPositionID,
		PortID:           r.cfg.PortID,
		Value:            value,
		IsSimulated:      r.cfg.Simulate,
		CapturedAt:       time.Now().UTC(),
	}

	err = r.store.Append(ctx, reading)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.last = &reading
	r.mu.Unlock()

	metrics.ReadingsCollected.WithLabelValues(r.cfg.SensorID).Inc()

	logger := logging.GetLoggerFromContext(ctx)
	logger.Info().
		Str("reading_id", readingID).
		Float64("value", value).
		Msg("reading captured")

	return nil
}

func (r *sensorReader) poll(ctx context.Context) PollResult {
	if r.cfg.Simulate {
		span := r.cfg.MaximumSimulationValue - r.cfg.MinimumSimulationValue
		return PollResult{
			Outcome: OutcomeSuccess,
			Value:   r.cfg.MinimumSimulationValue + r.rnd.Float64()*span,
		}
	}

	available, err := r.portAvailable()
	if err != nil {
		return PollResult{Outcome: OutcomePortUnavailable, Err: err}
	}
	if !available {
		return PollResult{Outcome: OutcomePortUnavailable}
	}

	channel, err := r.ports.Open(r.cfg.PortID, r.cfg.BaudRate, r.readTimeout)
	if err != nil {
		return PollResult{Outcome: OutcomePortUnavailable, Err: err}
	}
	defer channel.Close()

	request := modbus.BuildReadRequest(r.cfg.DeviceAddress, r.cfg.FunctionCode, r.cfg.StartAddress, r.cfg.RegisterCount)

	_, err = channel.Write(request)
	if err != nil {
		return PollResult{Outcome: OutcomeNoResponse, Err: err}
	}

	response, err := channel.ReadExact(modbus.ResponseLength(r.cfg.RegisterCount))
	if err != nil {
		return PollResult{Outcome: OutcomeNoResponse, Err: err}
	}
	if len(response) == 0 {
		return PollResult{Outcome: OutcomeNoResponse}
	}

	value, err := modbus.ParseResponse(response, r.cfg.DeviceAddress, r.cfg.FunctionCode, r.cfg.RegisterCount, r.cfg.ScaleFactor)
	if err != nil {
		return PollResult{Outcome: OutcomeDecodeError, Err: err}
	}

	return PollResult{Outcome: OutcomeSuccess, Value: value}
}

func (r *sensorReader) portAvailable() (bool, error) {
	names, err := r.ports.List()
	if err != nil {
		return false, err
	}

	for _, name := range names {
		if name == r.cfg.PortID {
			return true, nil
		}
	}

	return false, nil
}
