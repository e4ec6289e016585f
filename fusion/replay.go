package fusion

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// An Event is one recorded sensor sample. Exactly one record is set.
type Event struct {
	Imu   *ImuRecord
	Wheel *WheelRecord
	Lidar *LidarRecord
}

// Stamp returns the sensor time of the event.
func (e Event) Stamp() time.Time {
	switch {
	case e.Imu != nil:
		return e.Imu.Stamp
	case e.Wheel != nil:
		return e.Wheel.Stamp
	case e.Lidar != nil:
		return e.Lidar.Stamp
	default:
		return time.Time{}
	}
}

func (s *Scheduler) add(e Event) error {
	switch {
	case e.Imu != nil:
		return s.AddImu(*e.Imu)
	case e.Wheel != nil:
		return s.AddWheel(*e.Wheel)
	case e.Lidar != nil:
		return s.AddLidar(*e.Lidar)
	default:
		return errors.New("empty event")
	}
}

// Replay feeds recorded events through the scheduler in stamp order, advancing mock to each event and
// ticking at the configured period in between, so a recording produces the same estimates every
// time. The scheduler must have been built WithClock(mock) and must not be started.
func (s *Scheduler) Replay(ctx context.Context, mock *clock.Mock, events []Event) error {
	if s.clock != clock.Clock(mock) {
		return errors.New("replay requires the scheduler to use the given mock clock")
	}
	if len(events) == 0 {
		return nil
	}

	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Stamp().Before(sorted[j].Stamp())
	})

	period := s.cfg.Period()
	mock.Set(sorted[0].Stamp())
	s.estMu.Lock()
	s.lastTick = mock.Now()
	s.estMu.Unlock()

	tick := func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Warnw("replay tick failed", "error", err)
		}
	}

	next := mock.Now().Add(period)
	for _, e := range sorted {
		for !next.After(e.Stamp()) {
			if err := ctx.Err(); err != nil {
				return err
			}
			mock.Set(next)
			tick()
			next = next.Add(period)
		}
		if e.Stamp().After(mock.Now()) {
			mock.Set(e.Stamp())
		}
		if err := s.add(e); err != nil {
			s.logger.Warnw("dropping replayed sample", "error", err)
		}
	}

	// one more tick consumes the samples that arrived after the last one
	mock.Set(next)
	tick()
	s.logger.Infow("replay finished", "events", len(sorted), "ticks", s.Snapshot().Ticks)
	return nil
}
