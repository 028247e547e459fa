// Package broker serves the session directory over HTTP and provides the
// HTTP registry agents use to reach it.
package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/services/cluster"

	"github.com/rs/zerolog/log"
)

// Persister stores service state somewhere that survives a leader change.
type Persister interface {
	PersistState(service cluster.StatefulService) error
}

// Service wraps the directory with leadership and persistence. Every
// successful write schedules one coalesced persist.
type Service struct {
	dir       *directory.Directory
	persister Persister
	isLeader  atomic.Bool
	timeout   time.Duration

	persistCh chan struct{}
}

var _ cluster.StatefulService = (*Service)(nil)

// NewService wraps dir. persister may be nil for a standalone broker.
func NewService(dir *directory.Directory, persister Persister) *Service {
	return &Service{
		dir:       dir,
		persister: persister,
		timeout:   5 * time.Second,
		persistCh: make(chan struct{}, 1),
	}
}

// Run persists state after writes until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.persistCh:
			if s.persister == nil || !s.IsLeader() {
				continue
			}
			if err := s.persister.PersistState(s); err != nil {
				log.Warn().Err(err).Msg("[BrokerService] Could not persist directory.")
			}
		}
	}
}

func (s *Service) schedulePersist() {
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}

// IsLeader reports whether this instance accepts writes.
func (s *Service) IsLeader() bool { return s.isLeader.Load() }

// ============================================================================
// Directory operations
// ============================================================================

func (s *Service) Advertise(ctx context.Context, ad directory.Advertisement) (directory.Entry, error) {
	e, err := s.dir.Advertise(ctx, ad)
	if err == nil {
		s.schedulePersist()
	}
	return e, err
}

func (s *Service) Withdraw(ctx context.Context, id string) error {
	err := s.dir.Withdraw(ctx, id)
	if err == nil {
		s.schedulePersist()
	}
	return err
}

func (s *Service) Reserve(ctx context.Context, id string) (directory.Entry, error) {
	e, err := s.dir.Reserve(ctx, id)
	if err == nil {
		s.schedulePersist()
	}
	return e, err
}

func (s *Service) Start(ctx context.Context, id string) error {
	err := s.dir.Start(ctx, id)
	if err == nil {
		s.schedulePersist()
	}
	return err
}

func (s *Service) Search(ctx context.Context, q directory.Query) ([]directory.Entry, error) {
	return s.dir.Search(ctx, q)
}

func (s *Service) Lookup(ctx context.Context, id string) (directory.Entry, error) {
	return s.dir.Lookup(ctx, id)
}

// ============================================================================
// cluster.StatefulService
// ============================================================================

// GetState returns a directory snapshot, or an empty one if the directory
// does not answer in time.
func (s *Service) GetState() any {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	st, err := s.dir.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[BrokerService] Snapshot failed.")
		return directory.State{}
	}
	return st
}

func (s *Service) SetState(data []byte) error {
	var st directory.State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.dir.Restore(ctx, st)
}

func (s *Service) OnBecomeLeader() {
	log.Info().Msg("[BrokerService] Acting as leader. Writes ENABLED.")
	s.isLeader.Store(true)
}

func (s *Service) OnBecomeFollower() {
	log.Info().Msg("[BrokerService] Acting as follower. Writes DISABLED.")
	s.isLeader.Store(false)
}
