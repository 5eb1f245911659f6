package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type teardownStep struct {
	name string
	run  func(ctx context.Context) error
}

// teardownSteps lists the release order. Later steps assume the provider
// calls before them were attempted, so the steps run one after another.
func (c *Controller) teardownSteps(s *active) []teardownStep {
	return []teardownStep{
		{"interrupt", func(ctx context.Context) error {
			if s.info.SessionID == "" || s.prov == nil {
				return nil
			}
			return s.prov.Interrupt(ctx, s.info.SessionID)
		}},
		{"end", func(ctx context.Context) error {
			if s.info.SessionID == "" || s.prov == nil {
				return nil
			}
			return s.prov.End(ctx, s.info.SessionID)
		}},
		{"detach_room", func(context.Context) error {
			r := s.room
			s.room = nil
			if r == nil {
				return nil
			}
			return r.Disconnect()
		}},
		{"clear_video", func(context.Context) error {
			if s.sink != nil {
				s.sink.Clear()
			}
			return nil
		}},
		{"stop_recorder", func(context.Context) error {
			if s.recorder != nil {
				s.recorder.Discard()
			}
			return nil
		}},
		{"clear_watchdog", func(context.Context) error {
			if s.idle != nil {
				s.idle.Disarm()
			}
			if s.ticker != nil {
				s.ticker.Stop()
			}
			return nil
		}},
	}
}

// runTeardown runs every step even when earlier ones fail or panic.
func (c *Controller) runTeardown(s *active) {
	base := context.WithoutCancel(c.runCtx)
	var errs []error
	for _, step := range c.teardownSteps(s) {
		if err := c.runStep(base, step); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrTeardownPartial, errors.Join(errs...))
		c.logger.Warn("session teardown incomplete",
			slog.String("session_id", s.info.SessionID),
			slog.Any("error", err),
		)
	}
}

func (c *Controller) runStep(base context.Context, step teardownStep) (err error) {
	ctx, cancel := context.WithTimeout(base, c.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", step.name, err)
			c.logger.Warn("teardown step failed", slog.String("step", step.name), slog.Any("error", err))
		}
	}()
	return step.run(ctx)
}
