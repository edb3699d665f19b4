package jobs

import (
	"context"
	"time"
)

// Shutdown stops accepting jobs and drains the engine within timeout. The
// timeout is raised to the configured minimum. Stoppers run first, then the
// engine gets three quarters of the remaining time to finish in-flight
// steps before running flights are interrupted. Flights left unfinished
// stay resumable by any worker.
//
// Shutdown reports whether the engine drained gracefully. A second call
// waits for the first to finish and returns its result.
func (s *Service) Shutdown(timeout time.Duration) bool {
	if !s.state.CompareAndSwap(int32(StateAccepting), int32(StateDraining)) {
		s.logger.Warn("shutdown already requested")
		<-s.stopped
		return s.graceful
	}
	s.graceful = s.shutdown(timeout)
	s.state.Store(int32(StateStopped))
	close(s.stopped)
	return s.graceful
}

func (s *Service) shutdown(timeout time.Duration) bool {
	if timeout < s.cfg.MinShutdownTimeout {
		timeout = s.cfg.MinShutdownTimeout
	}
	started := time.Now()
	logger := s.logger.WithField("timeout", timeout.String())
	logger.Info("shutting down job service")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	for _, stop := range s.cfg.Stoppers {
		if err := stop(stopCtx); err != nil {
			logger.WithError(err).Warn("stopper failed")
		}
	}
	cancel()

	remaining := timeout - time.Since(started)
	graceCtx, cancel := context.WithTimeout(context.Background(), remaining*3/4)
	defer cancel()
	graceful := s.engine.Shutdown(graceCtx)

	logger.WithFields(map[string]interface{}{
		"graceful": graceful,
		"elapsed":  time.Since(started).String(),
	}).Info("job service stopped")
	return graceful
}
