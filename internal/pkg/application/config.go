package application

import (
	"fmt"
	"io"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/modbus"
	yaml "gopkg.in/yaml.v2"
)

type SensorConfig struct {
	SensorID         string `yaml:"sensorId"`
	SensorTypeID     int    `yaml:"sensorTypeId"`
	SensorTypeCode   string `yaml:"sensorTypeCode"`
	SensorPositionID int    `yaml:"sensorPositionId"`
	PortID           string `yaml:"portId"`

	Active   bool `yaml:"active"`
	Simulate bool `yaml:"simulate"`

	MinimumSimulationValue float64 `yaml:"minimumSimulationValue"`
	MaximumSimulationValue float64 `yaml:"maximumSimulationValue"`

	SecondsBetweenReads int `yaml:"secondsBetweenReads"`

	BaudRate      int     `yaml:"baudRate"`
	DeviceAddress byte    `yaml:"deviceAddress"`
	FunctionCode  byte    `yaml:"functionCode"`
	StartAddress  uint16  `yaml:"startAddress"`
	RegisterCount uint16  `yaml:"registerCount"`
	ScaleFactor   float64 `yaml:"scaleFactor"`
}

func (s SensorConfig) ReadInterval() time.Duration {
	return time.Duration(s.SecondsBetweenReads) * time.Second
}

type SinkConfig struct {
	AMQPURL    string `yaml:"amqpUrl"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routingKey"`
}

type APIConfig struct {
	ListenAddress string `yaml:"listenAddress"`
	Port          string `yaml:"port"`
}

type Config struct {
	DataDir    string `yaml:"dataDir"`
	ArchiveDir string `yaml:"archiveDir"`

	ArchiveTelemetry    bool `yaml:"archiveTelemetry"`
	SecondsBetweenSends int  `yaml:"secondsBetweenSends"`
	MaxRetries          int  `yaml:"maxRetries"`
	BackoffBaseSeconds  int  `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds   int  `yaml:"backoffMaxSeconds"`

	ProbeAddress        string `yaml:"probeAddress"`
	ProbeTimeoutSeconds int    `yaml:"probeTimeoutSeconds"`

	GatewayID      string `yaml:"gatewayId"`
	ModelNumber    string `yaml:"modelNumber"`
	SerialNumber   string `yaml:"serialNumber"`
	OrganisationID string `yaml:"organisationId"`
	SiteID         string `yaml:"siteId"`

	Sink SinkConfig `yaml:"sink"`
	API  APIConfig  `yaml:"api"`

	Sensors []SensorConfig `yaml:"sensors"`
}

func (c Config) SendInterval() time.Duration {
	return time.Duration(c.SecondsBetweenSends) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// LoadConfiguration reads the gateway configuration, applies defaults
// and validates it. A configuration error is fatal at startup.
func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not parse configuration: %w", err)
	}

	applyDefaults(cfg)

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "archive"
	}
	if cfg.SecondsBetweenSends == 0 {
		cfg.SecondsBetweenSends = 60
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseSeconds == 0 {
		cfg.BackoffBaseSeconds = 2
	}
	if cfg.BackoffMaxSeconds == 0 {
		cfg.BackoffMaxSeconds = 30
	}
	if cfg.ProbeTimeoutSeconds == 0 {
		cfg.ProbeTimeoutSeconds = 5
	}
	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = "127.0.0.1"
	}
	if cfg.API.Port == "" {
		cfg.API.Port = "8080"
	}

	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		if s.BaudRate == 0 {
			s.BaudRate = 9600
		}
		if s.FunctionCode == 0 {
			s.FunctionCode = modbus.FunctionReadHoldingRegisters
		}
		if s.RegisterCount == 0 {
			s.RegisterCount = 1
		}
		if s.ScaleFactor == 0 {
			s.ScaleFactor = modbus.DefaultScaleFactor
		}
	}
}

func (c Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("gatewayId must not be empty")
	}

	for _, s := range c.Sensors {
		if s.SensorID == "" {
			return fmt.Errorf("sensor on port %q has no sensorId", s.PortID)
		}
		if s.SecondsBetweenReads <= 0 {
			return fmt.Errorf("sensor %s: secondsBetweenReads must be positive", s.SensorID)
		}
		if !s.Simulate && s.PortID == "" {
			return fmt.Errorf("sensor %s: portId must be set unless simulating", s.SensorID)
		}
		if s.Simulate && s.MinimumSimulationValue > s.MaximumSimulationValue {
			return fmt.Errorf("sensor %s: simulation range is inverted", s.SensorID)
		}
	}

	return nil
}
