package redis

import (
	"fmt"

	"github.com/robertarktes/seat-allocation/internal/domain"
)

const ns = "tro:v1"

func keyStock(eventID string) string {
	return fmt.Sprintf("%s:stock:%s", ns, eventID)
}

func stockField(key domain.LockKey) string {
	return key.Field()
}

func keyRateLimit(key domain.RateLimitKey) string {
	return fmt.Sprintf("%s:ratelimit:%s", ns, key.String())
}

func keyPaymentNo(day string) string {
	return fmt.Sprintf("%s:paymentNo:%s", ns, day)
}

func keyOrderNumber(day string) string {
	return fmt.Sprintf("%s:orderNumber:%s", ns, day)
}

func keyPerformance(performanceID string) string {
	return fmt.Sprintf("%s:performance:%s", ns, performanceID)
}

func keyAvailability(performanceID string) string {
	return fmt.Sprintf("%s:performance:%s:availability", ns, performanceID)
}

func keyThrottle(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func keyIdempotency(key string) string {
	return fmt.Sprintf("%s:idem:%s", ns, key)
}
