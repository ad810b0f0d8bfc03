package session

import (
	"context"
	"errors"

	"github.com/amonks/workcell/container"
)

// RecoverOrphans finalizes unfinished sessions that have no driver in this
// process, such as those left behind by a crash. Each is marked failed and
// its container destroyed. It returns how many sessions were recovered.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	live, err := s.store.ListSessions(ctx, ListFilter{})
	if err != nil {
		return 0, err
	}
	var (
		recovered int
		errs      []error
	)
	for _, sess := range live {
		if s.driverFor(sess.ID) != nil {
			continue
		}
		if _, err := s.Finalize(ctx, sess.ID, container.Handle{}); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
		s.logger.Warn("recovered orphaned session", "session", sess.ID, "status", sess.Status)
	}
	return recovered, errors.Join(errs...)
}
