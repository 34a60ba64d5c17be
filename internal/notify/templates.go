package notify

import (
	"fmt"
	"time"

	"github.com/osteele/liquid"
)

const alertSubjectTemplate = `Last Bottle Alert: {{ wine_name }} - Score {{ score }}`

const alertBodyTemplate = `Wine: {{ wine_name }}
Price: {{ price | currency }}
Score: {{ score }}

Purchase link: {{ purchase_url }}
`

const digestSubjectTemplate = `Last Bottle Monitor - Error Digest ({{ date }})`

const digestBodyTemplate = `Errors collected: {{ count }}
Report time: {{ report_time }}

============================================================
{% for line in lines %}{{ line }}
------------------------------------------------------------
{% endfor %}`

// Templates renders the outgoing alert and digest emails with Liquid.
type Templates struct {
	alertSubject  *liquid.Template
	alertBody     *liquid.Template
	digestSubject *liquid.Template
	digestBody    *liquid.Template
	purchaseURL   string
}

// NewTemplates parses the email templates.
func NewTemplates(purchaseURL string) (*Templates, error) {
	engine := liquid.NewEngine()
	engine.RegisterFilter("currency", func(v float64) string {
		return fmt.Sprintf("$%.2f", v)
	})

	t := &Templates{purchaseURL: purchaseURL}
	for _, tmpl := range []struct {
		dst **liquid.Template
		src string
	}{
		{&t.alertSubject, alertSubjectTemplate},
		{&t.alertBody, alertBodyTemplate},
		{&t.digestSubject, digestSubjectTemplate},
		{&t.digestBody, digestBodyTemplate},
	} {
		parsed, err := engine.ParseString(tmpl.src)
		if err != nil {
			return nil, fmt.Errorf("parsing email template: %w", err)
		}
		*tmpl.dst = parsed
	}
	return t, nil
}

// RenderAlert produces the subject and body for a score alert.
func (t *Templates) RenderAlert(wineName string, price float64, score int) (subject, body string, err error) {
	bindings := map[string]interface{}{
		"wine_name":    wineName,
		"price":        price,
		"score":        score,
		"purchase_url": t.purchaseURL,
	}
	if subject, err = t.alertSubject.RenderString(bindings); err != nil {
		return "", "", fmt.Errorf("rendering alert subject: %w", err)
	}
	if body, err = t.alertBody.RenderString(bindings); err != nil {
		return "", "", fmt.Errorf("rendering alert body: %w", err)
	}
	return subject, body, nil
}

// RenderDigest produces the subject and body for the once-per-run error
// digest.
func (t *Templates) RenderDigest(now time.Time, lines []string) (subject, body string, err error) {
	bindings := map[string]interface{}{
		"date":        now.UTC().Format("2006-01-02"),
		"report_time": now.UTC().Format(time.RFC3339),
		"count":       len(lines),
		"lines":       lines,
	}
	if subject, err = t.digestSubject.RenderString(bindings); err != nil {
		return "", "", fmt.Errorf("rendering digest subject: %w", err)
	}
	if body, err = t.digestBody.RenderString(bindings); err != nil {
		return "", "", fmt.Errorf("rendering digest body: %w", err)
	}
	return subject, body, nil
}
