package uploader

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/archive"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/buffer"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/dedup"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/sink"
	"github.com/diwise/iot-telemetry-gateway/pkg/types"
)

// Uploader periodically freezes the active buffer generation, wraps it
// in a payload with a stable identity and delivers it to the sink with
// retry and backoff. A generation that cannot be delivered is left
// untouched on disk and re-enters the stream on a later rotation.
type Uploader interface {
	Run(ctx context.Context)
}

func New(cfg *application.Config, store buffer.Store, tracker dedup.Tracker, s sink.Sink, a archive.Archiver) Uploader {
	return &uploader{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		sink:     s,
		archiver: a,
		probe: func(ctx context.Context) bool {
			if cfg.ProbeAddress == "" {
				return true
			}
			return sink.ProbeConnectivity(cfg.ProbeAddress, cfg.ProbeTimeout())
		},
	}
}

type uploader struct {
	cfg      *application.Config
	store    buffer.Store
	tracker  dedup.Tracker
	sink     sink.Sink
	archiver archive.Archiver
	probe    func(ctx context.Context) bool
}

func (u *uploader) Run(ctx context.Context) {
	log := logging.GetLoggerFromContext(ctx)
	log.Info().Dur("interval", u.cfg.SendInterval()).Msg("uploader started")

	ticker := time.NewTicker(u.cfg.SendInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("uploader stopped")
			return
		case <-ticker.C:
			u.sendCycle(ctx)
			metrics.ActiveGenerationSize.Set(float64(u.store.ActiveSize(ctx)))
		}
	}
}

func (u *uploader) sendCycle(ctx context.Context) {
	log := logging.GetLoggerFromContext(ctx)

	if u.store.ActiveSize(ctx) == 0 {
		log.Debug().Msg("active generation is empty, nothing to send")
		return
	}

	generation, err := u.store.Rotate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not rotate buffer")
		return
	}

	if len(generation.Readings) == 0 {
		return
	}

	// the payload identity is minted exactly once per generation and
	// reused verbatim on every retry attempt
	payloadID, err := u.tracker.Mint(ctx, dedup.KindPayload)
	if err != nil {
		log.Error().Err(err).Msg("could not mint payload identity, retaining generation")
		return
	}

	payload := types.Payload{
		PayloadID:      payloadID,
		GatewayID:      u.cfg.GatewayID,
		ModelNumber:    u.cfg.ModelNumber,
		SerialNumber:   u.cfg.SerialNumber,
		OrganisationID: u.cfg.OrganisationID,
		SiteID:         u.cfg.SiteID,
		Telemetry:      generation.Readings,
		BuiltAt:        time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("could not marshal payload, retaining generation")
		return
	}

	if !u.probe(ctx) {
		log.Warn().Str("probe_address", u.cfg.ProbeAddress).Msg("sink is unreachable, retaining generation")
		return
	}

	log = log.With().Str("payload_id", payloadID).Int("readings", len(generation.Readings)).Logger()

	if !u.deliver(logging.NewContextWithLogger(ctx, log), body) {
		log.Error().Int("max_retries", u.cfg.MaxRetries).Msg("delivery attempts exhausted, generation retained")
		metrics.PayloadSendFailures.Inc()
		return
	}

	metrics.PayloadsSent.Inc()
	log.Info().Msg("payload delivered")

	u.consume(ctx, generation)
}

// deliver runs the attempt loop and reports whether the payload was
// accepted by the sink.
func (u *uploader) deliver(ctx context.Context, body []byte) bool {
	log := logging.GetLoggerFromContext(ctx)

	for attempt := 1; attempt <= u.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		err := u.attempt(ctx, body)
		if err == nil {
			return true
		}

		if !sink.IsTransient(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("delivery failed with a non retryable error")
			return false
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("connection level failure")

		if attempt < u.cfg.MaxRetries && !u.backoff(ctx, attempt) {
			return false
		}
	}

	return false
}

// attempt makes one delivery over a fresh connection, which is torn
// down whatever the outcome.
func (u *uploader) attempt(ctx context.Context, body []byte) error {
	err := u.sink.Connect(ctx)
	if err != nil {
		return err
	}
	defer u.sink.Disconnect()

	return u.sink.Send(ctx, body, "application/json", "utf-8")
}

// backoff waits base x attempt, capped, and reports false if the wait
// was interrupted by cancellation.
func (u *uploader) backoff(ctx context.Context, attempt int) bool {
	wait := time.Duration(attempt) * u.cfg.BackoffBase()
	if wait > u.cfg.BackoffMax() {
		wait = u.cfg.BackoffMax()
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (u *uploader) consume(ctx context.Context, generation buffer.Generation) {
	log := logging.GetLoggerFromContext(ctx)

	if u.cfg.ArchiveTelemetry {
		_, err := u.archiver.Archive(ctx, generation.Path)
		if err != nil {
			// the archiver leaves the source intact on failure; the
			// generation will be re-sent on a later cycle
			log.Error().Err(err).Msg("could not archive delivered generation")
		}
		return
	}

	err := os.Remove(generation.Path)
	if err != nil {
		log.Error().Err(err).Msg("could not remove delivered generation")
		return
	}

	log.Debug().Str("generation", generation.Name).Msg("delivered generation removed")
}
