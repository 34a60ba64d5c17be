// Package scoring implements the per-user decision pipeline: price
// eligibility, prompt construction, oracle-output parsing, and the
// notification decision. Everything here is pure and deterministic; the
// oracle and email calls live elsewhere.
package scoring

import "github.com/cellarwatch/lastbottle-monitor/internal/domain"

// InRange reports whether a price is inside the user's configured band.
// A missing range or a missing bound means no constraint on that side;
// equality at a bound is included.
//
// Eligibility runs before anything else in the per-user pipeline: a wine
// outside the band is never scored, even if it is on the user's
// always-notify list.
func InRange(price float64, p *domain.UserProfile) bool {
	if p.PriceRange == nil {
		return true
	}
	return p.PriceRange.Contains(price)
}
