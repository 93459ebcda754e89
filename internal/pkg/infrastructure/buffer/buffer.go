package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-telemetry-gateway/pkg/types"
)

const (
	generationA = "A"
	generationB = "B"
)

// Generation is a frozen buffer generation returned by Rotate. It is
// safe to drain without further writer interference.
type Generation struct {
	Name     string
	Path     string
	Readings []types.Reading
}

// Store is the durable double-buffered queue that readers append to
// and the uploader drains. Append and Rotate share a single lock, so
// every append lands either in the pre-rotation generation or in the
// post-rotation one; no reading is ever lost across the boundary.
type Store interface {
	Append(ctx context.Context, reading types.Reading) error
	Rotate(ctx context.Context) (Generation, error)
	ActiveSize(ctx context.Context) int
}

func New(dataDir string) (Store, error) {
	err := os.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create data directory %s: %w", dataDir, err)
	}

	return &store{
		bufferA: filepath.Join(dataDir, "buffer_a.json"),
		bufferB: filepath.Join(dataDir, "buffer_b.json"),
		pointer: filepath.Join(dataDir, "active_buffer"),
	}, nil
}

type store struct {
	mu      sync.Mutex
	bufferA string
	bufferB string
	pointer string
}

func (s *store) Append(ctx context.Context, reading types.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathOf(s.activeName())
	readings := loadGeneration(path)
	readings = append(readings, reading)

	err := writeGeneration(path, readings)
	if err != nil {
		return err
	}

	logger := logging.GetLoggerFromContext(ctx)
	logger.Debug().
		Str("reading_id", reading.ReadingID).
		Int("generation_size", len(readings)).
		Msg("reading appended to active generation")

	return nil
}

func (s *store) Rotate(ctx context.Context) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.activeName()
	next := generationB
	if current == generationB {
		next = generationA
	}

	err := writeAtomic(s.pointer, []byte(next))
	if err != nil {
		return Generation{}, fmt.Errorf("could not flip active buffer pointer: %w", err)
	}

	frozen := Generation{
		Name:     current,
		Path:     s.pathOf(current),
		Readings: loadGeneration(s.pathOf(current)),
	}

	// A generation that was delivered has been removed from disk, so
	// the newly active side starts empty. A retained (undelivered)
	// generation keeps its readings; they re-enter the stream and are
	// rotated out again on a later cycle.
	nextPath := s.pathOf(next)
	if _, err := os.Stat(nextPath); os.IsNotExist(err) {
		err = writeGeneration(nextPath, []types.Reading{})
		if err != nil {
			return Generation{}, err
		}
	}

	logger := logging.GetLoggerFromContext(ctx)
	logger.Debug().
		Str("frozen", current).
		Str("active", next).
		Int("frozen_size", len(frozen.Readings)).
		Msg("buffer rotated")

	return frozen, nil
}

func (s *store) ActiveSize(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(loadGeneration(s.pathOf(s.activeName())))
}

func (s *store) pathOf(name string) string {
	if name == generationB {
		return s.bufferB
	}
	return s.bufferA
}

func (s *store) activeName() string {
	b, err := os.ReadFile(s.pointer)
	if err != nil || string(b) != generationB {
		return generationA
	}
	return generationB
}

// loadGeneration treats a missing or corrupt generation file as empty,
// never as a fatal condition.
func loadGeneration(path string) []types.Reading {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var readings []types.Reading
	err = json.Unmarshal(b, &readings)
	if err != nil {
		return nil
	}

	return readings
}

func writeGeneration(path string, readings []types.Reading) error {
	b, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("could not marshal generation: %w", err)
	}

	return writeAtomic(path, b)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, 0o644)
	if err != nil {
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("could not rename %s into place: %w", tmp, err)
	}

	return nil
}
