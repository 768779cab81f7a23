// Package extract turns rendered listing-site markup into structured records.
// Selector rules are fixed for the target site; this is deliberately not a
// generic extraction framework.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/carliecode/cars-info-website-scraper/pkg/types"
)

// Index page selectors.
const (
	stubSelector            = "div.masonry-item a.qa-advert-list-item"
	stubPriceSelector       = "div.qa-advert-price"
	stubTitleSelector       = "div.qa-advert-title"
	stubDescriptionSelector = "div.b-list-advert-base__description-text"
	stubRegionSelector      = "span.b-list-advert__region__text"
)

// ParseStubs extracts listing stubs from rendered index-page markup. Stubs
// without a detail link are dropped; any other missing field carries the
// placeholder value.
func ParseStubs(markup, siteRoot string) ([]types.ListingStub, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse index markup: %w", err)
	}

	var stubs []types.ListingStub
	doc.Find(stubSelector).Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" {
			return
		}
		stubs = append(stubs, types.ListingStub{
			Price:            textOrPlaceholder(sel.Find(stubPriceSelector)),
			Title:            textOrPlaceholder(sel.Find(stubTitleSelector)),
			ShortDescription: textOrPlaceholder(sel.Find(stubDescriptionSelector)),
			Region:           textOrPlaceholder(sel.Find(stubRegionSelector)),
			DetailURL:        resolveURL(siteRoot, href),
		})
	})
	return stubs, nil
}

func textOrPlaceholder(sel *goquery.Selection) string {
	text := strings.TrimSpace(sel.First().Text())
	if text == "" {
		return types.Placeholder
	}
	return text
}

func resolveURL(siteRoot, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return strings.TrimRight(siteRoot, "/") + href
}
