// Package ordernumber builds the human-facing order number {prefix}{seq}{HHMM}.
//
// seq is the count of the tenant's orders created since local midnight plus one, padded to
// two digits. Numbers are advisory: two transactions racing on the same day can compute the
// same sequence before either commits, so the value is never used as a key.
package ordernumber

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Counter counts a tenant's orders created at or after since. It runs on the enclosing transaction.
type Counter interface {
	CountOrdersSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

type Generator struct {
	clock func() time.Time
}

func NewGenerator(clock func() time.Time) *Generator {
	if clock == nil {
		clock = time.Now
	}
	return &Generator{clock: clock}
}

// Next returns the next order number for the tenant. An unknown or empty timezone falls back to UTC.
func (g *Generator) Next(ctx context.Context, c Counter, tenantID, prefix, timezone string) (string, error) {
	loc := Location(timezone)
	now := g.clock().In(loc)
	start := StartOfDay(now)

	n, err := c.CountOrdersSince(ctx, tenantID, start)
	if err != nil {
		return "", fmt.Errorf("count orders since %s: %w", start.Format(time.RFC3339), err)
	}
	return Format(prefix, n+1, now), nil
}

func Format(prefix string, seq int, local time.Time) string {
	return fmt.Sprintf("%s%02d%02d%02d", strings.TrimSpace(prefix), seq, local.Hour(), local.Minute())
}

func Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
