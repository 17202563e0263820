package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

// CaptureSession touches an actor's activity on a fixed interval and
// unschedules itself once the capture period has elapsed
type CaptureSession struct {
	tracker   *Tracker
	scheduler *cron.Cron
	actor     *audit.Actor
	start     time.Time
	duration  time.Duration

	mu    sync.Mutex
	entry cron.EntryID
	done  chan struct{}
	ended bool
}

// StartCapture schedules a capture session on scheduler. The interval is
// rounded down to whole seconds with a minimum of one second.
func StartCapture(scheduler *cron.Cron, tracker *Tracker, actor *audit.Actor, interval, duration time.Duration) (*CaptureSession, error) {
	if actor == nil {
		return nil, fmt.Errorf("capture session needs an actor")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("capture duration must be positive, got %v", duration)
	}

	s := &CaptureSession{
		tracker:   tracker,
		scheduler: scheduler,
		actor:     actor,
		start:     tracker.rec.Now(),
		duration:  duration,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = scheduler.Schedule(cron.Every(interval), cron.FuncJob(s.tick))

	s.tracker.logger.WithFields(map[string]interface{}{
		"actor_id": actor.ID,
		"interval": interval.String(),
		"duration": duration.String(),
	}).Info("Activity capture started")
	return s, nil
}

func (s *CaptureSession) tick() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.tracker.rec.Now().Sub(s.start) > s.duration {
		s.endLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if _, err := s.tracker.Touch(context.Background(), s.actor); err != nil {
		s.tracker.logger.WithError(err).WithField("actor_id", s.actor.ID).Warn("Failed to capture activity")
	}
}

func (s *CaptureSession) endLocked() {
	s.scheduler.Remove(s.entry)
	s.ended = true
	close(s.done)
	s.tracker.logger.WithField("actor_id", s.actor.ID).Info("Activity capture finished")
}

// Stop ends the session early
func (s *CaptureSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.endLocked()
	}
}

// Done is closed when the session has ended
func (s *CaptureSession) Done() <-chan struct{} {
	return s.done
}
