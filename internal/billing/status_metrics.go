package billing

import (
	"context"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rs/zerolog/log"
)

const defaultStatusMetricsInterval = 30 * time.Second

// knownSubscriptionStatuses keeps the gauge label set stable; "none" counts
// organizations without a projected subscription.
var knownSubscriptionStatuses = []string{
	"none",
	"active",
	"trialing",
	"past_due",
	"unpaid",
	"paused",
	"incomplete",
	"incomplete_expired",
	"canceled",
}

type statusCounter interface {
	CountOrganizationsByStatus(ctx context.Context) (map[string]int, error)
}

func runStatusMetrics(ctx context.Context, st statusCounter, interval time.Duration) {
	if interval <= 0 {
		interval = defaultStatusMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, st)
		}
	}
}

func updateStatusGauges(ctx context.Context, st statusCounter) {
	counts, err := st.CountOrganizationsByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update organization status metrics")
		return
	}
	for _, status := range knownSubscriptionStatuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	bmetrics.SetOrganizationsByStatus(counts)
}
