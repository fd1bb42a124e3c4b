package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-weather-ingest/internal/fetcher"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// RawRecord is one provider record as fetched, before normalization.
type RawRecord struct {
	Kind       models.RecordKind `json:"kind"`
	LocationID string            `json:"location_id"`
	ReceivedAt time.Time         `json:"received_at"`
	Payload    json.RawMessage   `json:"payload"`
}

// ItemError is a failure scoped to one record or sub-request of a unit.
// The rest of the unit is still usable.
type ItemError struct {
	Ref string
	Err error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s: %v", e.Ref, e.Err) }

type FetchResult struct {
	// Locations discovered while fetching (stations, grid points). They are
	// written in the same batch as the records that reference them.
	Locations []models.Location
	Records   []RawRecord
	Errors    []ItemError
}

// Adapter turns one provider into normalized records. Fetch returns a non-nil
// error only when the whole unit failed.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, loc models.Location, w models.Window) (*FetchResult, error)
	Normalize(raw RawRecord) (models.Record, error)
}

// Client is the part of the fetcher adapters use.
type Client interface {
	Do(ctx context.Context, build fetcher.RequestFunc) ([]byte, error)
	GetJSON(ctx context.Context, url string, header http.Header, out any) error
}

type settings struct {
	clock   clockwork.Clock
	baseURL string
}

type Option func(*settings)

func WithClock(c clockwork.Clock) Option { return func(s *settings) { s.clock = c } }

// WithBaseURL points the adapter at a different API root, e.g. a test server.
func WithBaseURL(u string) Option { return func(s *settings) { s.baseURL = u } }

func newSettings(defaultURL string, opts []Option) settings {
	s := settings{clock: clockwork.NewRealClock(), baseURL: defaultURL}
	for _, o := range opts {
		o(&s)
	}
	return s
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func rawRecord(kind models.RecordKind, locationID string, receivedAt time.Time, payload any) (RawRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return RawRecord{}, err
	}
	return RawRecord{Kind: kind, LocationID: locationID, ReceivedAt: receivedAt.UTC(), Payload: b}, nil
}
