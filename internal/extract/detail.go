package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/carliecode/cars-info-website-scraper/internal/browser"
	"github.com/carliecode/cars-info-website-scraper/internal/retry"
	"github.com/carliecode/cars-info-website-scraper/pkg/types"
)

// Detail page selectors.
const (
	iconAttributeSelector = "div.b-advert-icon-attribute"
	iconItempropSelector  = "span[itemprop]"
	statisticsSelector    = "div.b-advert-info-statistics.b-advert-info-statistics--region"
	descWrapperSelector   = "div.b-advert__description-wrapper"
	descTextSelector      = "span.qa-description-text"
	attributeRowSelector  = "div.b-advert-attribute"
	attributeKeySelector  = "div.b-advert-attribute__key"
	attributeValSelector  = "div.b-advert-attribute__value"
)

// Stub-derived attribute keys, written before any detail pass.
const (
	keyAdvertTitle         = "AdvertTitle"
	keyDescriptionText     = "DescriptionText"
	keyRegionText          = "RegionText"
	keyPostedTime          = "PostedTimeDescription"
	keyExtendedDescription = "AdvertExtendedDescription"
)

// Extractor builds a VehicleRecord from a listing's detail page.
type Extractor struct {
	retry  *retry.Controller
	logger *slog.Logger
	now    func() time.Time
}

// NewExtractor constructs an extractor using the given retry controller for
// all navigation.
func NewExtractor(ctrl *retry.Controller, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{retry: ctrl, logger: logger, now: time.Now}
}

// Extract navigates to the stub's detail page and merges the extraction
// passes over its markup into a record seeded with the stub fields. Missing
// markup degrades to placeholder values; only a failed fetch returns an error,
// which the caller treats as "skip this listing". The session is returned so
// the caller keeps ownership across retry-driven replacements.
func (e *Extractor) Extract(ctx context.Context, sess browser.Session, stub types.ListingStub) (browser.Session, *types.VehicleRecord, error) {
	rec := types.NewVehicleRecord()
	rec.Set(types.KeyAdvertPrice, stub.Price)
	rec.Set(keyAdvertTitle, stub.Title)
	rec.Set(keyDescriptionText, stub.ShortDescription)
	rec.Set(keyRegionText, stub.Region)

	var markup string
	sess, err := e.retry.Do(ctx, "fetch detail page", sess, func(ctx context.Context, s browser.Session) error {
		if err := s.Navigate(ctx, stub.DetailURL); err != nil {
			return err
		}
		html, err := s.Markup(ctx)
		if err != nil {
			return err
		}
		markup = html
		return nil
	})
	if err != nil {
		return sess, nil, fmt.Errorf("detail page %s: %w", stub.DetailURL, err)
	}

	if err := ApplyDetailPasses(rec, markup); err != nil {
		// Unparseable markup is structural, not transient: keep the
		// stub-derived record rather than dropping the listing.
		e.logger.Warn("detail markup unparseable", "url", stub.DetailURL, "error", err)
	}

	rec.Set(types.KeyPageURL, stub.DetailURL)
	rec.Set(types.KeyExtractionDate, e.now().Format(types.DateLayout))

	e.logger.Info("listing extracted",
		"title", stub.Title,
		"attributes", rec.Len(),
		"url", stub.DetailURL,
	)
	return sess, rec, nil
}

// ApplyDetailPasses runs the per-page extraction passes over rendered detail
// markup, in order: icon attributes, posted-time statistics, extended
// description, then key/value attribute rows. The final pass wins on key
// collisions.
func ApplyDetailPasses(rec *types.VehicleRecord, markup string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("parse detail markup: %w", err)
	}
	applyIconAttributes(rec, doc)
	applyPostedTime(rec, doc)
	applyExtendedDescription(rec, doc)
	applyAttributeRows(rec, doc)
	return nil
}

// applyIconAttributes scans icon-attribute blocks for tagged sub-elements and
// stores each semantic name (first letter capitalised) with its text.
func applyIconAttributes(rec *types.VehicleRecord, doc *goquery.Document) {
	doc.Find(iconAttributeSelector).Each(func(_ int, block *goquery.Selection) {
		block.Find(iconItempropSelector).Each(func(_ int, span *goquery.Selection) {
			name := strings.TrimSpace(span.AttrOr("itemprop", ""))
			if name == "" {
				return
			}
			value := strings.TrimSpace(span.Text())
			if value == "" {
				value = types.Placeholder
			}
			rec.Set(capitalise(name), value)
		})
	})
}

// applyPostedTime stores the "time ago" segment of the statistics block: its
// third comma-separated segment with the trailing "ago" stripped.
func applyPostedTime(rec *types.VehicleRecord, doc *goquery.Document) {
	value := types.Placeholder
	text := strings.TrimSpace(doc.Find(statisticsSelector).First().Text())
	if text != "" {
		parts := strings.Split(text, ",")
		if len(parts) >= 3 {
			segment := strings.TrimSpace(strings.ReplaceAll(parts[2], "ago", ""))
			if segment != "" {
				value = segment
			}
		}
	}
	rec.Set(keyPostedTime, value)
}

// applyExtendedDescription stores the free-text description when the wrapper
// block exists; absent wrappers leave the record untouched.
func applyExtendedDescription(rec *types.VehicleRecord, doc *goquery.Document) {
	wrapper := doc.Find(descWrapperSelector)
	if wrapper.Length() == 0 {
		return
	}
	rec.Set(keyExtendedDescription, textOrPlaceholder(wrapper.Find(descTextSelector)))
}

// applyAttributeRows scans key/value attribute rows. Keys are trimmed,
// title-cased and stripped of spaces; this pass runs last and its keys take
// precedence on collision.
func applyAttributeRows(rec *types.VehicleRecord, doc *goquery.Document) {
	doc.Find(attributeRowSelector).Each(func(_ int, row *goquery.Selection) {
		key := normaliseKey(row.Find(attributeKeySelector).First().Text())
		if key == "" {
			return
		}
		value := strings.TrimSpace(row.Find(attributeValSelector).First().Text())
		if value == "" {
			value = types.Placeholder
		}
		rec.Set(key, value)
	})
}

// normaliseKey turns a page label like "Year of Manufacture" into
// "YearOfManufacture".
func normaliseKey(raw string) string {
	var b strings.Builder
	for _, word := range strings.Fields(raw) {
		runes := []rune(strings.ToLower(word))
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

func capitalise(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
