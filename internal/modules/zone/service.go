// README: Zone service prices deliveries and administers the zone table.
package zone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/types"
)

var ErrNotFound = errors.New("delivery zone not found")

// ZoneStore is the persistence contract; *Store satisfies it.
type ZoneStore interface {
	List(ctx context.Context) ([]Zone, error)
	Get(ctx context.Context, id types.ID) (*Zone, error)
	Create(ctx context.Context, z *Zone) error
	Update(ctx context.Context, z *Zone) error
	Delete(ctx context.Context, id types.ID) error
}

const defaultCacheTTL = 30 * time.Second

type Service struct {
	store    ZoneStore
	cacheTTL time.Duration
	now      func() time.Time

	// writeMu serialises admin edits so each validates against the table it replaces.
	writeMu sync.Mutex

	mu       sync.RWMutex
	cached   []Zone
	cachedAt time.Time
}

func NewService(store ZoneStore) *Service {
	return &Service{store: store, cacheTTL: defaultCacheTTL, now: time.Now}
}

// CalculateFee prices a delivery distance (km) against the active zones.
func (s *Service) CalculateFee(ctx context.Context, distance float64) (Quote, error) {
	zones, err := s.zones(ctx)
	if err != nil {
		return Quote{}, err
	}
	return Calculate(zones, distance)
}

// List returns every zone ordered by band, or only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]Zone, error) {
	zones, err := s.zones(ctx)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return zones, nil
	}
	return sortedActive(zones), nil
}

func (s *Service) Create(ctx context.Context, z Zone) (*Zone, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	z.Name = strings.TrimSpace(z.Name)
	z.ID = types.ID(uuid.NewString())
	z.CreatedAt = s.now()
	z.UpdatedAt = z.CreatedAt

	current, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidatePartition(append(current, z)); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, &z); err != nil {
		return nil, fmt.Errorf("create zone: %w", err)
	}
	s.invalidate()
	return &z, nil
}

func (s *Service) Update(ctx context.Context, z Zone) (*Zone, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.store.Get(ctx, z.ID)
	if err != nil {
		return nil, err
	}
	z.Name = strings.TrimSpace(z.Name)
	z.CreatedAt = existing.CreatedAt
	z.UpdatedAt = s.now()

	current, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	next := make([]Zone, 0, len(current))
	for _, c := range current {
		if c.ID == z.ID {
			next = append(next, z)
			continue
		}
		next = append(next, c)
	}
	if err := ValidatePartition(next); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, &z); err != nil {
		return nil, fmt.Errorf("update zone: %w", err)
	}
	s.invalidate()
	return &z, nil
}

func (s *Service) Delete(ctx context.Context, id types.ID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	next := make([]Zone, 0, len(current))
	found := false
	for _, c := range current {
		if c.ID == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		return ErrNotFound
	}
	if err := ValidatePartition(next); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Service) zones(ctx context.Context) ([]Zone, error) {
	s.mu.RLock()
	if s.cached != nil && s.now().Sub(s.cachedAt) < s.cacheTTL {
		zones := s.cached
		s.mu.RUnlock()
		return zones, nil
	}
	s.mu.RUnlock()

	zones, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	s.mu.Lock()
	s.cached = zones
	s.cachedAt = s.now()
	s.mu.Unlock()
	return zones, nil
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
