package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application/gateway"
	"github.com/matryer/is"
)

func TestHealthEndpointReturnsNoContent(t *testing.T) {
	is, server := testSetup(t, &gatewayMock{})

	resp, err := http.Get(server.URL + "/health")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestStatusEndpointReportsBacklogAndSensors(t *testing.T) {
	now := time.Now().UTC()
	value := 40.0

	gw := &gatewayMock{
		activeSize: 17,
		statuses: []gateway.SensorStatus{
			{SensorID: "Temperature-Sensor-54321", LastValue: &value, LastCapturedAt: &now},
		},
	}

	is, server := testSetup(t, gw)

	resp, err := http.Get(server.URL + "/status")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(resp.Header.Get("Content-Type"), "application/json")

	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)

	var status struct {
		ActiveGenerationSize int                    `json:"activeGenerationSize"`
		Sensors              []gateway.SensorStatus `json:"sensors"`
	}
	is.NoErr(json.Unmarshal(body, &status))
	is.Equal(status.ActiveGenerationSize, 17)
	is.Equal(len(status.Sensors), 1)
	is.Equal(status.Sensors[0].SensorID, "Temperature-Sensor-54321")
}

func TestStatusEndpointWithNoSensorsReturnsEmptyList(t *testing.T) {
	is, server := testSetup(t, &gatewayMock{})

	resp, err := http.Get(server.URL + "/status")
	is.NoErr(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)
	is.True(string(body) != "")

	var status map[string]any
	is.NoErr(json.Unmarshal(body, &status))
	is.True(status["sensors"] != nil)
}

func TestMetricsEndpointIsServed(t *testing.T) {
	is, server := testSetup(t, &gatewayMock{})

	resp, err := http.Get(server.URL + "/metrics")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusOK)
}

func testSetup(t *testing.T, gw gateway.Gateway) (*is.I, *httptest.Server) {
	is := is.New(t)

	server := httptest.NewServer(RegisterHandlers(context.Background(), gw))
	t.Cleanup(server.Close)

	return is, server
}

type gatewayMock struct {
	activeSize int
	statuses   []gateway.SensorStatus
}

func (g *gatewayMock) Start(_ context.Context) error { return nil }
func (g *gatewayMock) Stop(_ context.Context) error  { return nil }

func (g *gatewayMock) ActiveGenerationSize(_ context.Context) int {
	return g.activeSize
}

func (g *gatewayMock) SensorStatuses() []gateway.SensorStatus {
	return g.statuses
}
