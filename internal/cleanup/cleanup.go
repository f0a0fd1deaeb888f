package cleanup

import (
	"log"
	"sync"
	"time"

	"github.com/codehuddle/server/internal/store"
)

type Config struct {
	Interval   time.Duration
	RoomMaxAge time.Duration // empty + inactive beyond this age gets evicted
	ShareTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		RoomMaxAge: 24 * time.Hour,
		ShareTTL:   7 * 24 * time.Hour,
	}
}

// Coordinator is the retention surface the sweep drives.
type Coordinator interface {
	EvictInactive(maxAge time.Duration) int
	TrimCommitLogs() int
}

// Service runs the periodic retention sweeps: inactive-room eviction,
// expired-share purging and commit-log trimming.
type Service struct {
	coord  Coordinator
	store  store.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(coord Coordinator, st store.Store, config Config) *Service {
	return &Service{
		coord:  coord,
		store:  st,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Cleanup service started (interval: %v, room max age: %v, share TTL: %v)",
		s.config.Interval, s.config.RoomMaxAge, s.config.ShareTTL)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Cleanup service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

func (s *Service) SweepNow() {
	if s.config.RoomMaxAge > 0 {
		if evicted := s.coord.EvictInactive(s.config.RoomMaxAge); evicted > 0 {
			log.Printf("🧹 Evicted %d inactive rooms", evicted)
		}
	}

	if trimmed := s.coord.TrimCommitLogs(); trimmed > 0 {
		log.Printf("🧹 Trimmed %d commits", trimmed)
	}

	if s.config.ShareTTL > 0 {
		purged, err := s.store.PurgeShares(time.Now().Add(-s.config.ShareTTL))
		if err != nil {
			log.Printf("Cleanup: failed to purge shares: %v", err)
		} else if purged > 0 {
			log.Printf("🧹 Purged %d expired shares", purged)
		}
	}
}
