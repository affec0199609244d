package reconciliation

import (
	"strings"
	"time"

	"subsync-service/internal/domain/subscription"
)

var providerStatusMap = map[string]subscription.Status{
	"approved":  subscription.StatusActive,
	"pending":   subscription.StatusProcessing,
	"rejected":  subscription.StatusFailed,
	"cancelled": subscription.StatusCancelled,
	"refunded":  subscription.StatusCancelled,
}

// MapProviderStatus translates a provider payment status. Unknown values map to pending.
func MapProviderStatus(providerStatus string) subscription.Status {
	if st, ok := providerStatusMap[strings.ToLower(strings.TrimSpace(providerStatus))]; ok {
		return st
	}
	return subscription.StatusPending
}

// NextBillingDate adds frequency billing periods of fixed length to from.
func NextBillingDate(from time.Time, subType subscription.Frequency, frequency int) time.Time {
	if frequency <= 0 {
		frequency = 1
	}
	return from.AddDate(0, 0, frequency*subType.Days())
}
