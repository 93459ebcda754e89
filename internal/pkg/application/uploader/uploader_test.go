package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/archive"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/buffer"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/dedup"
	"github.com/diwise/iot-telemetry-gateway/pkg/types"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPayloadIdentityIsStableAcrossRetryAttempts(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{failures: 2, failWith: amqp.ErrClosed}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 3)
	u.sendCycle(ctx)

	is.Equal(len(snk.bodies), 3) // two transient failures, then success

	ids := map[string]struct{}{}
	for _, body := range snk.bodies {
		var p types.Payload
		is.NoErr(json.Unmarshal(body, &p))
		ids[p.PayloadID] = struct{}{}
		is.Equal(len(p.Telemetry), 3)
	}
	is.Equal(len(ids), 1)
}

func TestGenerationIsRetainedWhenAllAttemptsFail(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{failures: 99, failWith: amqp.ErrClosed}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 2)
	u.sendCycle(ctx)

	is.Equal(len(snk.bodies), 3) // maxRetries attempts, no more
	is.Equal(snk.openConnections, 0)

	frozen := filepath.Join(deps.dataDir, "buffer_a.json")
	b, err := os.ReadFile(frozen)
	is.NoErr(err)

	var readings []types.Reading
	is.NoErr(json.Unmarshal(b, &readings))
	is.Equal(len(readings), 2)
}

func TestRetainedGenerationIsResentOnALaterCycle(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{failures: 99, failWith: amqp.ErrClosed}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 2)
	u.sendCycle(ctx) // fails, generation A retained

	snk.failures = 0
	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx) // delivers generation B
	u.sendCycle(ctx) // delivers retained generation A

	last := snk.bodies[len(snk.bodies)-1]
	var p types.Payload
	is.NoErr(json.Unmarshal(last, &p))
	is.Equal(len(p.Telemetry), 2)
}

func TestSuccessfulSendArchivesGenerationWhenEnabled(t *testing.T) {
	is, ctx, deps := testSetup(t)
	deps.cfg.ArchiveTelemetry = true

	snk := &sinkStub{}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx)

	_, err := os.Stat(filepath.Join(deps.dataDir, "buffer_a.json"))
	is.True(os.IsNotExist(err))

	artifacts, err := filepath.Glob(filepath.Join(deps.archiveDir, "telemetry_*.json.gz"))
	is.NoErr(err)
	is.Equal(len(artifacts), 1)
}

func TestSuccessfulSendDeletesGenerationWhenArchivingDisabled(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx)

	_, err := os.Stat(filepath.Join(deps.dataDir, "buffer_a.json"))
	is.True(os.IsNotExist(err))

	artifacts, err := filepath.Glob(filepath.Join(deps.archiveDir, "*"))
	is.NoErr(err)
	is.Equal(len(artifacts), 0)
}

func TestUnreachableSinkConsumesNoAttempt(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{}
	u := newUploader(deps, snk)
	u.probe = func(context.Context) bool { return false }

	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx)

	is.Equal(len(snk.bodies), 0)
	is.Equal(snk.connects, 0)

	_, err := os.Stat(filepath.Join(deps.dataDir, "buffer_a.json"))
	is.NoErr(err)
}

func TestNonRetryableFailureAbortsEarly(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{failures: 99, failWith: errors.New("payload rejected")}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx)

	is.Equal(len(snk.bodies), 1)
	is.Equal(snk.openConnections, 0)
}

func TestEmptyActiveGenerationSkipsTheCycle(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{}
	u := newUploader(deps, snk)

	u.sendCycle(ctx)

	is.Equal(snk.connects, 0)
}

func TestConnectionsAreTornDownOnEveryPath(t *testing.T) {
	is, ctx, deps := testSetup(t)

	snk := &sinkStub{failures: 1, failWith: amqp.ErrClosed}
	u := newUploader(deps, snk)

	appendReadings(is, ctx, deps.store, 1)
	u.sendCycle(ctx)

	is.Equal(snk.connects, 2)
	is.Equal(snk.openConnections, 0)
}

type testDeps struct {
	cfg        *application.Config
	store      buffer.Store
	tracker    dedup.Tracker
	archiver   archive.Archiver
	dataDir    string
	archiveDir string
}

func testSetup(t *testing.T) (*is.I, context.Context, *testDeps) {
	is := is.New(t)

	dataDir := t.TempDir()
	archiveDir := t.TempDir()

	store, err := buffer.New(dataDir)
	is.NoErr(err)

	tracker, err := dedup.New(filepath.Join(t.TempDir(), "tracking.jsonl"), 1000, 100)
	is.NoErr(err)
	t.Cleanup(func() { tracker.Close() })

	archiver, err := archive.New(archiveDir)
	is.NoErr(err)

	cfg := &application.Config{
		GatewayID:           "gw-12345",
		ModelNumber:         "GW-100",
		SerialNumber:        "SN-0001",
		OrganisationID:      "org-1",
		SiteID:              "site-1",
		SecondsBetweenSends: 1,
		MaxRetries:          3,
		BackoffBaseSeconds:  0,
		BackoffMaxSeconds:   1,
	}

	return is, context.Background(), &testDeps{
		cfg:        cfg,
		store:      store,
		tracker:    tracker,
		archiver:   archiver,
		dataDir:    dataDir,
		archiveDir: archiveDir,
	}
}

func newUploader(deps *testDeps, snk *sinkStub) *uploader {
	u := New(deps.cfg, deps.store, deps.tracker, snk, deps.archiver).(*uploader)
	u.probe = func(context.Context) bool { return true }
	return u
}

func appendReadings(is *is.I, ctx context.Context, store buffer.Store, n int) {
	for i := 0; i < n; i++ {
		is.NoErr(store.Append(ctx, types.Reading{
			ReadingID:      fmt.Sprintf("r-%d-%d", time.Now().UnixNano(), i),
			SensorID:       "sensor-1",
			SensorTypeCode: "TEMPERATURE",
			Value:          40.0,
			CapturedAt:     time.Now().UTC(),
		}))
	}
}

type sinkStub struct {
	failures        int
	failWith        error
	connects        int
	openConnections int
	bodies          [][]byte
}

func (s *sinkStub) Connect(_ context.Context) error {
	s.connects++
	s.openConnections++
	return nil
}

func (s *sinkStub) Send(_ context.Context, body []byte, contentType, contentEncoding string) error {
	s.bodies = append(s.bodies, body)
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	return nil
}

func (s *sinkStub) Disconnect() error {
	s.openConnections--
	return nil
}
