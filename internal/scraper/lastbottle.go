// Package scraper acquires the current flash-sale offer from
// lastbottlewines.com. The site is not ours; every selector here can break
// without notice, so failures are typed and never fatal to the caller.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoOffer is returned when the page loads but no sale offer can be
// extracted from it (mid-rotation, layout change, or an empty page).
var ErrNoOffer = errors.New("no offer found")

// Source acquires one offer. Implemented by LastBottle; the orchestrator
// only sees this interface.
type Source interface {
	Acquire(ctx context.Context) (name string, price float64, err error)
}

// LastBottle scrapes the lastbottlewines.com front page.
type LastBottle struct {
	url       string
	userAgent string
	client    *http.Client
}

// New creates a scraper for the given URL.
func New(url, userAgent string, timeout time.Duration) *LastBottle {
	return &LastBottle{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// Acquire fetches the front page and extracts the current wine name and
// the LAST BOTTLE price.
func (s *LastBottle) Acquire(ctx context.Context) (string, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("building request: %w", err)
	}
	// The site blocks default Go user agents.
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetching %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("fetching %s: unexpected status %d", s.url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("parsing page: %w", err)
	}
	return extractOffer(doc)
}

func extractOffer(doc *goquery.Document) (string, float64, error) {
	main := doc.Find("main").First()
	if main.Length() == 0 {
		return "", 0, fmt.Errorf("%w: no main container", ErrNoOffer)
	}

	name := strings.TrimSpace(main.Find("h1").First().Text())
	if name == "" {
		return "", 0, fmt.Errorf("%w: no wine name", ErrNoOffer)
	}

	// Several price sections appear (retail, best web, last bottle); the
	// one labelled LAST BOTTLE carries the sale price.
	var section *goquery.Selection
	main.Find("div.product__price").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.Contains(sel.Text(), "LAST BOTTLE") {
			section = sel
			return false
		}
		return true
	})
	if section == nil {
		return "", 0, fmt.Errorf("%w: no LAST BOTTLE price section", ErrNoOffer)
	}

	priceText := strings.TrimSpace(section.Find("span").First().Text())
	if priceText == "" {
		return "", 0, fmt.Errorf("%w: no price in LAST BOTTLE section", ErrNoOffer)
	}

	price, err := strconv.ParseFloat(strings.ReplaceAll(priceText, ",", ""), 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: unparseable price %q", ErrNoOffer, priceText)
	}
	return name, price, nil
}
