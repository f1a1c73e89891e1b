package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// definitionStore keeps registered definitions in the event log, one stream
// per id and version, and caches what it has read. Definitions never change
// once written, so the cache needs no invalidation.
type definitionStore struct {
	log eventlog.Log
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]storedDefinition
}

type storedDefinition struct {
	def          *api.WorkflowDefinition
	registeredAt time.Time
}

func newDefinitionStore(log eventlog.Log, now func() time.Time) *definitionStore {
	return &definitionStore{log: log, now: now, cache: make(map[string]storedDefinition)}
}

// register stores def and returns the version it was stored under.
func (s *definitionStore) register(ctx context.Context, def api.WorkflowDefinition) (string, error) {
	if def.Version == "" {
		def.Version = api.DefaultVersion
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	data, err := persistence.EncodeValue(def)
	if err != nil {
		return "", err
	}
	stream := api.DefinitionStream(def.ID, def.Version)
	_, err = s.log.Append(ctx, stream, api.EventDefinitionRegistered, data,
		eventlog.ExpectNext(0), eventlog.At(s.now().UTC()))
	if err == nil {
		return def.Version, nil
	}
	if !errors.Is(err, api.ErrConcurrencyConflict) {
		return "", fmt.Errorf("register %s@%s: %w", def.ID, def.Version, err)
	}

	existing, err := s.get(ctx, def.ID, def.Version)
	if err != nil {
		return "", err
	}
	if existing.Fingerprint() != def.Fingerprint() {
		return "", fmt.Errorf("%w: %s@%s is already registered with different content",
			api.ErrDefinitionInvalid, def.ID, def.Version)
	}
	return def.Version, nil
}

// get returns a definition version, or the latest registered version when
// version is empty.
func (s *definitionStore) get(ctx context.Context, id, version string) (*api.WorkflowDefinition, error) {
	if version == "" {
		return s.latest(ctx, id)
	}
	sd, err := s.read(ctx, api.DefinitionStream(id, version))
	if err != nil {
		return nil, err
	}
	return sd.def, nil
}

func (s *definitionStore) latest(ctx context.Context, id string) (*api.WorkflowDefinition, error) {
	prefix := api.DefinitionStream(id, "")
	streams, err := s.log.Streams(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var best storedDefinition
	for _, stream := range streams {
		if strings.Contains(strings.TrimPrefix(stream, prefix), "@") {
			continue
		}
		sd, err := s.read(ctx, stream)
		if err != nil {
			return nil, err
		}
		if best.def == nil ||
			sd.registeredAt.After(best.registeredAt) ||
			(sd.registeredAt.Equal(best.registeredAt) && sd.def.Version > best.def.Version) {
			best = sd
		}
	}
	if best.def == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, id)
	}
	return best.def, nil
}

func (s *definitionStore) read(ctx context.Context, stream string) (storedDefinition, error) {
	s.mu.RLock()
	sd, ok := s.cache[stream]
	s.mu.RUnlock()
	if ok {
		return sd, nil
	}

	ev, found, err := firstEvent(ctx, s.log, stream)
	if err != nil {
		return storedDefinition{}, err
	}
	if !found {
		return storedDefinition{}, fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, strings.TrimPrefix(stream, api.StreamPrefixDefinition))
	}
	def, err := persistence.DecodeValue[api.WorkflowDefinition](ev.Payload)
	if err != nil {
		return storedDefinition{}, fmt.Errorf("decode definition %s: %w", stream, err)
	}
	sd = storedDefinition{def: &def, registeredAt: ev.Timestamp}

	s.mu.Lock()
	s.cache[stream] = sd
	s.mu.Unlock()
	return sd, nil
}

func firstEvent(ctx context.Context, log eventlog.Log, stream string) (api.Event, bool, error) {
	for ev, err := range log.Read(ctx, stream, 0) {
		if err != nil {
			return api.Event{}, false, err
		}
		return ev, true, nil
	}
	return api.Event{}, false, nil
}
