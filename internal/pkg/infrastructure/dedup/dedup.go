package dedup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/google/uuid"
)

type Kind string

const (
	KindReading Kind = "reading"
	KindPayload Kind = "payload"
)

const (
	DefaultReadingCap = 100000
	DefaultPayloadCap = 10000
)

// Tracker hands out identifiers that are guaranteed not to collide
// with any identifier issued within the retained window, across
// process restarts.
type Tracker interface {
	Mint(ctx context.Context, kind Kind) (string, error)
	Close() error
}

// New loads previously issued identifiers from filePath and returns a
// tracker that appends every newly minted identifier to it. A missing
// or corrupt file starts the tracker empty; it is never fatal.
func New(filePath string, readingCap, payloadCap int) (Tracker, error) {
	t := &tracker{
		path: filePath,
		sets: map[Kind]*boundedSet{
			KindReading: newBoundedSet(readingCap),
			KindPayload: newBoundedSet(payloadCap),
		},
	}

	t.load()

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open tracking file %s: %w", filePath, err)
	}
	t.log = f

	return t, nil
}

type record struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

type tracker struct {
	mu   sync.Mutex
	path string
	sets map[Kind]*boundedSet
	log  *os.File
}

func (t *tracker) Mint(ctx context.Context, kind Kind) (string, error) {
	set, ok := t.sets[kind]
	if !ok {
		return "", fmt.Errorf("unknown identifier kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	for set.contains(id) {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Str("kind", string(kind)).
			Msg("minted identifier collided with a previously issued one, regenerating")
		id = uuid.NewString()
	}

	set.add(id)

	b, err := json.Marshal(record{Kind: kind, ID: id})
	if err != nil {
		return "", err
	}

	_, err = t.log.Write(append(b, '\n'))
	if err != nil {
		return "", fmt.Errorf("could not persist identifier: %w", err)
	}

	return id, nil
}

// Close compacts the on-disk log down to the retained window before
// closing it, so the log does not grow without bound across restarts.
func (t *tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.log.Close()
	if err != nil {
		return err
	}

	return t.compact()
}

func (t *tracker) load() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if json.Unmarshal(scanner.Bytes(), &rec) != nil {
			continue
		}
		if set, ok := t.sets[rec.Kind]; ok && !set.contains(rec.ID) {
			set.add(rec.ID)
		}
	}
}

func (t *tracker) compact() error {
	tmp := t.path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for kind, set := range t.sets {
		for _, id := range set.all() {
			b, err := json.Marshal(record{Kind: kind, ID: id})
			if err != nil {
				f.Close()
				return err
			}
			w.Write(b)
			w.WriteByte('\n')
		}
	}

	err = w.Flush()
	if err != nil {
		f.Close()
		return err
	}

	err = f.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmp, t.path)
}

// boundedSet keeps insertion order in a ring backed slice so that
// membership checks, inserts and oldest-first eviction are all O(1).
type boundedSet struct {
	capacity int
	members  map[string]struct{}
	order    []string
	head     int
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

func (s *boundedSet) contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *boundedSet) add(id string) {
	if len(s.members) >= s.capacity {
		oldest := s.order[s.head]
		delete(s.members, oldest)
		s.order[s.head] = ""
		s.head++
	}

	s.members[id] = struct{}{}
	s.order = append(s.order, id)

	if s.head > len(s.order)/2 {
		s.order = append([]string(nil), s.order[s.head:]...)
		s.head = 0
	}
}

func (s *boundedSet) all() []string {
	return s.order[s.head:]
}
