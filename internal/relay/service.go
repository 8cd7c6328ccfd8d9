package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavelength-app/relay/internal/auth"
	"github.com/wavelength-app/relay/internal/frequency"
	"github.com/wavelength-app/relay/internal/storage"
)

// ErrHostOffline reports a join to a channel that exists durably but has no
// connected host.
var ErrHostOffline = errors.New("host offline")

// ErrStore wraps durable-store failures surfaced to callers as a generic,
// retryable condition.
var ErrStore = errors.New("store unavailable")

// saga records compensations for the steps of a multi-store operation so a
// late failure rolls back everything that already succeeded, in reverse
// order. Compensation is best effort.
type saga struct {
	compensations []func()
}

func (s *saga) completed(compensate func()) {
	s.compensations = append(s.compensations, compensate)
}

func (s *saga) rollback() {
	for i := len(s.compensations) - 1; i >= 0; i-- {
		s.compensations[i]()
	}
}

// Service is the only component that mutates the registry, the allocator,
// and the durable store as one logical operation, keeping the three views of
// a frequency from diverging.
type Service struct {
	store        storage.Store
	alloc        *frequency.Allocator
	registry     *Registry
	storeTimeout time.Duration
	log          zerolog.Logger
}

// NewService wires the orchestration layer.
func NewService(store storage.Store, alloc *frequency.Allocator, registry *Registry, storeTimeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store:        store,
		alloc:        alloc,
		registry:     registry,
		storeTimeout: storeTimeout,
		log:          log.With().Str("component", "service").Logger(),
	}
}

// Registry exposes the live channel registry for the dispatcher and the
// query surface.
func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Initialize performs the destructive startup reset: the channel table is
// cleared and the allocator rebuilt from the now-empty store.
func (s *Service) Initialize(ctx context.Context) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.DeleteAllChannels(sctx); err != nil {
		return err
	}
	s.log.Info().Msg("channel table cleared")
	return s.alloc.Rebuild(ctx)
}

// RegisterChannel registers a new channel for the host: durable record,
// allocator slot, and live registry entry as one logical unit. Returns the
// canonical frequency.
func (s *Service) RegisterChannel(ctx context.Context, host *Peer, rawFrequency, name string, protected bool, password string) (string, error) {
	canonical, err := frequency.Normalize(rawFrequency)
	if err != nil {
		return "", err
	}

	if host.Frequency() != "" {
		return "", ErrAlreadyInChannel
	}
	if s.registry.Active(canonical) {
		return "", ErrFrequencyInUse
	}

	// The allocator cache can lag the store in both directions. When it
	// calls the slot taken, consult the store directly: no row means a stale
	// cache and the registration proceeds; a row without a live channel is a
	// zombie and is deleted first.
	if !s.alloc.IsAvailable(canonical) {
		sctx, cancel := s.storeCtx(ctx)
		record, lookupErr := s.store.ChannelByFrequency(sctx, canonical)
		cancel()
		switch {
		case errors.Is(lookupErr, storage.ErrNotFound):
			s.log.Warn().Str("frequency", canonical).
				Msg("allocator reported taken but store has no row; proceeding")
		case lookupErr != nil:
			s.log.Error().Err(lookupErr).Str("frequency", canonical).Msg("availability double-check failed")
			return "", errors.Join(ErrStore, lookupErr)
		case record != nil:
			s.log.Warn().Str("frequency", canonical).Msg("deleting zombie record before register")
			sctx, cancel := s.storeCtx(ctx)
			_, deleteErr := s.store.DeleteChannel(sctx, canonical)
			cancel()
			if deleteErr != nil {
				s.log.Error().Err(deleteErr).Str("frequency", canonical).Msg("zombie delete failed")
				return "", errors.Join(ErrStore, deleteErr)
			}
		}
	}

	passwordHash := ""
	if protected && password != "" {
		passwordHash, err = auth.HashPassword(password)
		if err != nil {
			return "", err
		}
	}

	var tx saga

	record := &storage.ChannelRecord{
		Frequency:     canonical,
		Name:          name,
		Protected:     protected,
		HostSessionID: host.SessionID,
		PasswordHash:  passwordHash,
		CreatedAt:     time.Now().UTC(),
	}
	sctx, cancel := s.storeCtx(ctx)
	err = s.store.CreateChannel(sctx, record)
	cancel()
	if err != nil {
		// The record's own write failed; nothing to compensate and nothing
		// to delete.
		s.log.Error().Err(err).Str("frequency", canonical).Msg("durable create failed")
		return "", errors.Join(ErrStore, err)
	}
	tx.completed(func() {
		dctx, dcancel := s.storeCtx(context.Background())
		defer dcancel()
		if _, err := s.store.DeleteChannel(dctx, canonical); err != nil {
			s.log.Error().Err(err).Str("frequency", canonical).Msg("rollback delete failed")
		}
	})

	s.alloc.Add(canonical)
	tx.completed(func() { <-s.alloc.Remove(canonical) })

	if err := s.registry.Register(host, canonical, name, protected, passwordHash); err != nil {
		tx.rollback()
		return "", err
	}

	return canonical, nil
}

// JoinChannel adds a peer to a live channel. A durable record without a live
// channel yields ErrHostOffline, distinct from a frequency nobody holds.
// Returns the channel name.
func (s *Service) JoinChannel(ctx context.Context, peer *Peer, rawFrequency, password string) (string, error) {
	canonical, err := frequency.Normalize(rawFrequency)
	if err != nil {
		return "", err
	}

	name, err := s.registry.Join(peer, canonical, password)
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return "", err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, lookupErr := s.store.ChannelByFrequency(sctx, canonical); lookupErr == nil {
		return "", ErrHostOffline
	} else if !errors.Is(lookupErr, storage.ErrNotFound) {
		return "", errors.Join(ErrStore, lookupErr)
	}
	return "", ErrChannelNotFound
}

// CloseChannel closes a channel: members are notified, the host connection
// is kept open and unbound, and the durable row and allocator slot are
// released unconditionally. A zombie record with no live channel still gets
// cleaned up.
func (s *Service) CloseChannel(ctx context.Context, rawFrequency, reason string) bool {
	canonical, err := frequency.Normalize(rawFrequency)
	if err != nil {
		return false
	}

	existed := s.registry.Close(canonical, reason)
	s.cleanupDurable(ctx, canonical)
	if existed {
		s.log.Info().Str("frequency", canonical).Str("reason", reason).Msg("channel closed")
	}
	return true
}

// HandleDisconnect runs registry cleanup for a dropped peer and, when the
// peer hosted a channel, reconciles the store and the allocator.
func (s *Service) HandleDisconnect(ctx context.Context, peer *Peer, reason string) {
	result := s.registry.Disconnect(peer, reason)
	if result.ClosedFrequency != "" {
		s.cleanupDurable(ctx, result.ClosedFrequency)
	}
}

func (s *Service) cleanupDurable(ctx context.Context, canonical string) {
	sctx, cancel := s.storeCtx(ctx)
	if _, err := s.store.DeleteChannel(sctx, canonical); err != nil {
		s.log.Error().Err(err).Str("frequency", canonical).Msg("durable delete failed")
	}
	cancel()
	// Wait for the rebuild so the freed slot is visible to the next
	// FindNextAvailable instead of racing it.
	if err := <-s.alloc.Remove(canonical); err != nil {
		s.log.Error().Err(err).Str("frequency", canonical).Msg("allocator rebuild failed")
	}
}

// FindNextAvailable canonicalizes the preferred frequency, when given, and
// returns the lowest free frequency at or above it. A malformed preference
// falls back to searching from the minimum.
func (s *Service) FindNextAvailable(preferredRaw string) (string, bool) {
	preferred := ""
	if preferredRaw != "" {
		if canonical, err := frequency.Normalize(preferredRaw); err == nil {
			preferred = canonical
		} else {
			s.log.Debug().Str("preferred", preferredRaw).Msg("ignoring malformed preferred frequency")
		}
	}
	return s.alloc.FindLowest(preferred)
}

// ChannelView is the merged public view for the query surface: live data
// when the channel is online, the durable record otherwise.
type ChannelView struct {
	Frequency string    `json:"frequency"`
	Name      string    `json:"name"`
	Protected bool      `json:"isPasswordProtected"`
	IsOnline  bool      `json:"isOnline"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ChannelInfo resolves a frequency memory-first, falling back to the durable
// store with isOnline=false (host offline).
func (s *Service) ChannelInfo(ctx context.Context, rawFrequency string) (*ChannelView, error) {
	canonical, err := frequency.Normalize(rawFrequency)
	if err != nil {
		return nil, err
	}

	if info, ok := s.registry.Info(canonical); ok {
		return &ChannelView{
			Frequency: info.Frequency,
			Name:      info.Name,
			Protected: info.Protected,
			IsOnline:  true,
			CreatedAt: info.CreatedAt,
		}, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	record, err := s.store.ChannelByFrequency(sctx, canonical)
	if err != nil {
		return nil, err
	}
	return &ChannelView{
		Frequency: record.Frequency,
		Name:      record.Name,
		Protected: record.Protected,
		IsOnline:  false,
		CreatedAt: record.CreatedAt,
	}, nil
}

// ListChannels returns every durable record annotated with liveness.
func (s *Service) ListChannels(ctx context.Context) ([]ChannelView, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	records, err := s.store.Channels(sctx)
	if err != nil {
		return nil, err
	}
	views := make([]ChannelView, 0, len(records))
	for _, record := range records {
		views = append(views, ChannelView{
			Frequency: record.Frequency,
			Name:      record.Name,
			Protected: record.Protected,
			IsOnline:  s.registry.Active(record.Frequency),
			CreatedAt: record.CreatedAt,
		})
	}
	return views, nil
}
