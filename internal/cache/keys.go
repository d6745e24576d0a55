package cache

import (
	"fmt"
	"time"
)

// RateLimitKey buckets requests per client per minute.
func RateLimitKey(client string, now time.Time) string {
	return fmt.Sprintf("ats:ratelimit:%s:%d", client, now.Unix()/60)
}
