package session

import (
	"context"
	"log/slog"
)

// terminate runs the disconnect sequence of §4.3 exactly once, in order:
// flush any pending checkpoint, submit the terminal settlement, drop the
// session key (with zeroing, inside KeyRegistry.Remove), free the vector
// store. Steps (i)/(ii) failures are logged but never block (iii)/(iv).
// Guarded by a sync.Once, the same idiom as chain.Registrar.EnsureRegistered,
// since both Run()'s deferred call and an explicit session_end can race to
// invoke it and complete_session_job must only ever be submitted once.
func (sv *Supervisor) terminate(ctx context.Context, reason string) {
	sv.terminateOnce.Do(func() { sv.terminateLocked(ctx, reason) })
}

func (sv *Supervisor) terminateLocked(ctx context.Context, reason string) {
	sv.session.State = Terminating
	slog.Info("session terminating", "session", sv.session, "reason", reason)

	if sv.proofEnabled() && sv.session.TokensSinceLastCheckpoint > 0 && sv.settler != nil {
		if _, err := sv.checkpoint(ctx, [32]byte{}, [32]byte{}, sv.session.TokensSinceLastCheckpoint); err != nil {
			slog.Warn("flushing pending checkpoint on disconnect failed", "session", sv.session.ID, "err", err)
		} else {
			sv.session.TokensSinceLastCheckpoint = 0
		}
	}

	if sv.settler != nil {
		if _, err := sv.settler.CompleteSession(ctx, sv.session.JobID, sv.session.TotalTokensGenerated); err != nil {
			slog.Warn("completing session on-chain failed", "session", sv.session.ID, "err", err)
		}
	}

	sv.keys.Remove(sv.session.ID)

	if sv.vectors != nil {
		sv.vectors.Clear()
	}
}
