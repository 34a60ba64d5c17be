package scoring

import "github.com/cellarwatch/lastbottle-monitor/internal/domain"

// ShouldNotify decides whether a scored offer warrants an email.
//
// Order matters: an exact always-notify match wins regardless of score;
// otherwise a configured threshold notifies when score >= threshold;
// otherwise no notification.
//
// The never-notify list is deliberately not consulted here. It steers the
// oracle toward a low score through the prompt, but it is not a hard veto:
// a never-listed wine that still clears the threshold (or is also
// always-listed) will notify.
func ShouldNotify(offerName string, score int, p *domain.UserProfile) bool {
	if p.AlwaysListed(offerName) {
		return true
	}
	if p.NotifyThreshold != nil && score >= *p.NotifyThreshold {
		return true
	}
	return false
}
