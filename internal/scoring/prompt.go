package scoring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/osteele/liquid"

	"github.com/cellarwatch/lastbottle-monitor/internal/domain"
)

// promptTemplate instructs the oracle to reason internally and emit only a
// final 0-100 integer. The score parser depends on that final-integer
// contract, so the closing instruction must stay in sync with ParseScore.
const promptTemplate = `You are a wine expert evaluating a wine based on user preferences.
Think deeply and critically about how well this wine matches the user's
profile and preferences. Based on the following wine preferences,
evaluate and score a wine on a scale of 0-100.

## User Wine Preferences:

{{ profile }}

## Preferred Wine Types:
{{ preferred_types }}

## Price Range Preference:
${{ price_min }} - ${{ price_max }}

## Type-Specific Price Ranges:
{{ type_ranges }}

## Always a perfect score of 100 (regardless of other factors):
{{ always_list }}

## Always Avoid (Red Flags):
{{ never_list }}

---

## Wine to Score:
{{ wine_name }}

Scoring guidelines:
- 90-100: Perfect match for preferences
- 80-89: Excellent fit, highly recommended
- 70-79: Good match, worth trying
- 60-69: Acceptable but some concerns
- 50-59: Mixed - some elements good, others not ideal
- 0-49: Poor match for preferences

You may reason step by step, but the very last line of your reply must be
only the score: a single integer between 0 and 100, with no other text or
explanation on that line.`

// PromptBuilder renders scoring prompts with the Liquid template engine.
// Rendering is deterministic: the same offer and profile always produce
// the same text.
type PromptBuilder struct {
	tmpl *liquid.Template
}

// NewPromptBuilder parses the scoring template.
func NewPromptBuilder() (*PromptBuilder, error) {
	tmpl, err := liquid.NewEngine().ParseString(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing scoring template: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// Build renders the scoring prompt for one offer and one user.
func (b *PromptBuilder) Build(offerName string, p *domain.UserProfile) (string, error) {
	bindings := map[string]interface{}{
		"profile":         strings.TrimSpace(p.FreeTextProfile),
		"preferred_types": joinOrNone(p.PreferredTypes),
		"price_min":       boundOrAny(rangeMin(p.PriceRange)),
		"price_max":       boundOrAny(rangeMax(p.PriceRange)),
		"type_ranges":     formatTypeRanges(p.TypePriceRanges),
		"always_list":     joinOrNone(p.AlwaysNotify),
		"never_list":      joinOrNone(p.NeverNotify),
		"wine_name":       offerName,
	}

	out, err := b.tmpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("rendering scoring prompt: %w", err)
	}
	return out, nil
}

// formatTypeRanges renders per-type price bands in a stable order.
func formatTypeRanges(ranges map[string]domain.Range) string {
	if len(ranges) == 0 {
		return "None specified"
	}
	types := make([]string, 0, len(ranges))
	for t := range ranges {
		types = append(types, t)
	}
	sort.Strings(types)

	lines := make([]string, 0, len(types))
	for _, t := range types {
		r := ranges[t]
		lines = append(lines, fmt.Sprintf("  - %s: $%s - $%s", t, boundOrAny(r.Min), boundOrAny(r.Max)))
	}
	return strings.Join(lines, "\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None specified"
	}
	return strings.Join(items, ", ")
}

func boundOrAny(bound *float64) string {
	if bound == nil {
		return "Any"
	}
	return strconv.FormatFloat(*bound, 'f', -1, 64)
}

func rangeMin(r *domain.Range) *float64 {
	if r == nil {
		return nil
	}
	return r.Min
}

func rangeMax(r *domain.Range) *float64 {
	if r == nil {
		return nil
	}
	return r.Max
}
