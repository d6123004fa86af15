package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/metrics"
)

// ExpirePending rejects pending applications created more than olderThan ago
// on every project and mission, as the system actor. Applicants receive the
// usual rejection notification. It returns the number of expired applications.
func (e Engine) ExpirePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, domain.Invalid("expiry threshold must be positive")
	}
	refs, err := e.Repo.PendingTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending targets: %w", err)
	}
	cutoff := domain.Timestamp(e.now().Add(-olderThan))
	total := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var expired []domain.Application
		d, err := e.mutate(ctx, ref.Kind, ref.ID, func(tx *sqlx.Tx, d *document) (*change, error) {
			expired = nil
			apps := d.applications()
			now := e.timestamp()
			var ids []string
			for i := range apps {
				if apps[i].Status != domain.ApplicationPending || apps[i].CreatedAt >= cutoff {
					continue
				}
				actor := SystemActor
				decidedAt := now
				apps[i].Status = domain.ApplicationRejected
				apps[i].DecidedAt = &decidedAt
				apps[i].DecidedBy = &actor
				expired = append(expired, apps[i])
				ids = append(ids, apps[i].ID)
			}
			if len(expired) == 0 {
				return nil, nil
			}
			d.setApplications(apps)
			return &change{
				event:   events.ApplicationExpired,
				actorID: SystemActor,
				payload: events.EventPayload{"application_ids": ids, "cutoff": cutoff},
			}, nil
		})
		if err != nil {
			e.Log.Warn().Err(err).Str("kind", ref.Kind).Str("id", ref.ID).Msg("expire pending applications")
			continue
		}
		for _, app := range expired {
			metrics.RecordDecided(ref.Kind, domain.ApplicationRejected)
			e.afterDecision(ctx, d, app, SystemActor, "")
		}
		total += len(expired)
	}
	return total, nil
}

// Sweeper runs ExpirePending on a cron schedule.
type Sweeper struct {
	engine Engine
	ttl    time.Duration
	log    zerolog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewSweeper schedules the sweep with a standard cron spec or descriptor
// such as "@hourly".
func NewSweeper(e Engine, schedule string, ttl time.Duration, log zerolog.Logger) (*Sweeper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("sweeper needs a positive ttl")
	}
	s := &Sweeper{
		engine: e,
		ttl:    ttl,
		log:    log,
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.Run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run performs one sweep. Overlapping runs are skipped.
func (s *Sweeper) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug().Msg("sweep already running")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	n, err := s.engine.ExpirePending(context.Background(), s.ttl)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep pending applications")
		return
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Dur("ttl", s.ttl).Msg("expired pending applications")
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
