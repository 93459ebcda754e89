package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application/reader"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application/uploader"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/archive"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/buffer"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/dedup"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/serialport"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/sink"
	"github.com/diwise/iot-telemetry-gateway/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultGracePeriod = 10 * time.Second
	workerRestartDelay = 5 * time.Second
)

// SensorStatus is the last observed state of one sensor, exposed by
// the status API.
type SensorStatus struct {
	SensorID       string     `json:"sensorId"`
	LastValue      *float64   `json:"lastValue,omitempty"`
	LastCapturedAt *time.Time `json:"lastCapturedAt,omitempty"`
}

// Gateway coordinates the lifecycle of all reader loops and the
// uploader loop: one shared cancellation signal, supervised restart on
// panic, and an ordered shutdown bounded by a grace period.
type Gateway interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	ActiveGenerationSize(ctx context.Context) int
	SensorStatuses() []SensorStatus
}

func New(cfg *application.Config, store buffer.Store, tracker dedup.Tracker, s sink.Sink, a archive.Archiver, ports serialport.Provider) Gateway {
	gw := &gatewayImpl{
		cfg:     cfg,
		store:   store,
		grace:   DefaultGracePeriod,
		running: map[string]struct{}{},
	}

	for _, sensorCfg := range cfg.Sensors {
		if !sensorCfg.Active {
			continue
		}
		gw.readers = append(gw.readers, reader.New(sensorCfg, store, tracker, ports))
	}

	gw.uploader = uploader.New(cfg, store, tracker, s, a)

	return gw
}

type gatewayImpl struct {
	cfg      *application.Config
	store    buffer.Store
	readers  []reader.SensorReader
	uploader uploader.Uploader

	cancel context.CancelFunc
	wg     sync.WaitGroup
	grace  time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

func (g *gatewayImpl) Start(ctx context.Context) error {
	if g.cancel != nil {
		return fmt.Errorf("gateway is already started")
	}

	ctx, g.cancel = context.WithCancel(ctx)

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Int("sensors", len(g.readers)).Msg("starting gateway workers")

	for i, r := range g.readers {
		name := fmt.Sprintf("reader-%d", i)
		g.supervise(ctx, name, r.Run)
	}

	g.supervise(ctx, "uploader", g.uploader.Run)

	return nil
}

func (g *gatewayImpl) Stop(ctx context.Context) error {
	if g.cancel == nil {
		return fmt.Errorf("gateway was never started")
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Msg("stopping gateway workers")

	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all workers stopped")
		return nil
	case <-time.After(g.grace):
		for _, name := range g.stillRunning() {
			log.Warn().Str("worker", name).Msg("worker did not exit within the grace period")
		}
		return fmt.Errorf("shutdown grace period of %s exceeded", g.grace)
	}
}

func (g *gatewayImpl) ActiveGenerationSize(ctx context.Context) int {
	return g.store.ActiveSize(ctx)
}

func (g *gatewayImpl) SensorStatuses() []SensorStatus {
	statuses := make([]SensorStatus, 0, len(g.readers))

	for _, r := range g.readers {
		last, ok := r.LastReading()
		if !ok {
			continue
		}
		statuses = append(statuses, sensorStatusFrom(last))
	}

	return statuses
}

func sensorStatusFrom(r types.Reading) SensorStatus {
	value := r.Value
	capturedAt := r.CapturedAt
	return SensorStatus{
		SensorID:       r.SensorID,
		LastValue:      &value,
		LastCapturedAt: &capturedAt,
	}
}

// supervise runs a worker loop in its own goroutine. A worker that
// panics is restarted after a delay; one that returns after observing
// cancellation is not. A failing worker never takes its siblings down.
func (g *gatewayImpl) supervise(ctx context.Context, name string, run func(context.Context)) {
	log := logging.GetLoggerFromContext(ctx).With().Str("worker", name).Logger()
	ctx = logging.NewContextWithLogger(ctx, log)

	g.markRunning(name)
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.markStopped(name)

		for {
			runOnce(ctx, log, run)

			if ctx.Err() != nil {
				return
			}

			log.Warn().Dur("delay", workerRestartDelay).Msg("worker exited unexpectedly, restarting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(workerRestartDelay):
			}
		}
	}()
}

func runOnce(ctx context.Context, log zerolog.Logger, run func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker panicked")
		}
	}()

	run(ctx)
}

func (g *gatewayImpl) markRunning(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running[name] = struct{}{}
}

func (g *gatewayImpl) markStopped(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, name)
}

func (g *gatewayImpl) stillRunning() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.running))
	for name := range g.running {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
