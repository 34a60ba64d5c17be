package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ReservedProfileID is the starter file shipped alongside real user configs.
// It is never scored or notified.
const ReservedProfileID = "template"

// Range is an optional price band. A nil bound means no constraint on that
// side; equality at a bound is inside the band.
//
// In user config files a range is written as a two-element list with null
// for an open side: `price_range: [20, 100]`, `price_range: [null, 50]`.
type Range struct {
	Min *float64
	Max *float64
}

// UnmarshalYAML decodes the `[min, max]` list form.
func (r *Range) UnmarshalYAML(value *yaml.Node) error {
	var bounds []*float64
	if err := value.Decode(&bounds); err != nil {
		return fmt.Errorf("price range must be a [min, max] list: %w", err)
	}
	if len(bounds) != 2 {
		return fmt.Errorf("price range must have exactly 2 elements, got %d", len(bounds))
	}
	r.Min, r.Max = bounds[0], bounds[1]
	return nil
}

// Contains reports whether price falls within the band.
func (r Range) Contains(price float64) bool {
	if r.Min != nil && price < *r.Min {
		return false
	}
	if r.Max != nil && price > *r.Max {
		return false
	}
	return true
}

// Contact holds a user's notification addresses.
type Contact struct {
	Email string `yaml:"email"`
}

// UserProfile is one user's taste preferences and notification settings,
// loaded fresh from their config file on every run.
type UserProfile struct {
	UserID          string           `yaml:"-"`
	FreeTextProfile string           `yaml:"profile"`
	PreferredTypes  []string         `yaml:"types"`
	PriceRange      *Range           `yaml:"price_range"`
	TypePriceRanges map[string]Range `yaml:"type_specific_price_ranges"`
	AlwaysNotify    []string         `yaml:"always_notify_for"`
	NeverNotify     []string         `yaml:"never_notify_for"`
	NotifyThreshold *int             `yaml:"notify_threshold"`
	Contact         Contact          `yaml:"contact"`
}

// Validate checks structural invariants on a loaded profile.
func (p *UserProfile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("profile has no user id")
	}
	if p.NotifyThreshold != nil && !ValidScore(*p.NotifyThreshold) {
		return fmt.Errorf("notify_threshold %d outside [%d,%d]", *p.NotifyThreshold, MinScore, MaxScore)
	}
	if err := validRange(p.PriceRange); err != nil {
		return fmt.Errorf("price_range: %w", err)
	}
	for wineType, r := range p.TypePriceRanges {
		if err := validRange(&r); err != nil {
			return fmt.Errorf("type_specific_price_ranges[%s]: %w", wineType, err)
		}
	}
	return nil
}

// AlwaysListed reports whether name is an exact match in the always-notify list.
func (p *UserProfile) AlwaysListed(name string) bool {
	for _, n := range p.AlwaysNotify {
		if n == name {
			return true
		}
	}
	return false
}

func validRange(r *Range) error {
	if r == nil {
		return nil
	}
	if r.Min != nil && *r.Min < 0 {
		return fmt.Errorf("min %v is negative", *r.Min)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("min %v greater than max %v", *r.Min, *r.Max)
	}
	return nil
}
