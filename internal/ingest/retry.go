package ingest

import (
	"context"

	"github.com/cleared-dev/passbook/internal/model"
)

// SubmitPassword replays the pending upload with password. The file is not
// validated again. An invalid or still-missing password returns the session
// to PasswordRequired with the pending file kept; any other outcome
// releases it.
func (s *Session) SubmitPassword(ctx context.Context, password string) (State, error) {
	s.mu.Lock()
	state := s.state
	var pending model.PendingUpload
	hasPending := s.pending != nil
	if hasPending {
		pending = *s.pending
	}
	s.mu.Unlock()

	if state.Active() {
		return state, ErrBusy
	}
	if state != StatePasswordRequired || !hasPending {
		return state, ErrNoPendingUpload
	}
	if password == "" {
		return state, ErrEmptyPassword
	}

	s.opts.Metrics.PasswordRetry()
	return s.start(ctx, pending, password)
}
