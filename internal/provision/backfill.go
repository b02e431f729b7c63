package provision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/store"
)

// BackfillRemoteID resolves a freshly started runner's remote
// registration id by name, after giving the runner time to register
// itself.  Registration is the runner's own doing, so failure here is
// logged and left for reconciliation to retry -- never fatal.
func BackfillRemoteID(ctx context.Context, logger *slog.Logger, st *store.Store, res *cred.Resolver, runnerID string, delay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	r, err := st.GetRunner(ctx, runnerID)
	if err != nil {
		// Deleted in the meantime; nothing to backfill.
		return
	}
	if r.RemoteID != 0 {
		return
	}

	c, err := st.GetCredential(ctx, r.CredentialID)
	if err != nil {
		logger.Warn("backfill: credential lookup failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
		return
	}
	client, err := res.Client(ctx, c)
	if err != nil {
		logger.Warn("backfill: client build failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
		return
	}

	remote, err := client.ListRunners(ctx)
	if err != nil {
		logger.Warn("backfill: remote list failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
		return
	}
	for _, rr := range remote {
		if strings.EqualFold(rr.Name, r.Name) {
			r.RemoteID = rr.ID
			if err := st.UpdateRunner(ctx, r); err != nil {
				logger.Warn("backfill: persist failed",
					slog.String("runner", r.Name), slog.String("error", err.Error()))
				return
			}
			logger.Debug("backfilled remote registration id",
				slog.String("runner", r.Name), slog.Int64("remoteID", rr.ID))
			return
		}
	}
	logger.Debug("backfill: runner not registered yet", slog.String("runner", r.Name))
}
