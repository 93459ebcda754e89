package types

import (
	"time"
)

// Reading is a single sensor observation. Readings are immutable once
// created and their identifier is never reused within the dedup window.
type Reading struct {
	ReadingID        string    `json:"readingId"`
	SensorID         string    `json:"sensorId"`
	SensorTypeID     int       `json:"sensorTypeId"`
	SensorTypeCode   string    `json:"sensorTypeCode"`
	SensorPositionID int       `json:"sensorPositionId"`
	PortID           string    `json:"portId"`
	Value            float64   `json:"value"`
	IsSimulated      bool      `json:"isSimulated"`
	CapturedAt       time.Time `json:"capturedAt"`
}

// Payload wraps one buffer generation for delivery to the sink. The
// PayloadID is minted once per generation and reused verbatim across
// all retry attempts, so the receiving side can deduplicate.
type Payload struct {
	PayloadID      string    `json:"payloadId"`
	GatewayID      string    `json:"gatewayId"`
	ModelNumber    string    `json:"modelNumber"`
	SerialNumber   string    `json:"serialNumber"`
	OrganisationID string    `json:"organisationId"`
	SiteID         string    `json:"siteId"`
	Telemetry      []Reading `json:"telemetry"`
	BuiltAt        time.Time `json:"builtAt"`
}
