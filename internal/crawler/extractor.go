package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/model"
	"golang.org/x/text/cases"
)

// Extractor turns a listing page into items and candidate links.
// It is stateless and safe for concurrent use.
type Extractor struct {
	itemSel  cascadia.Selector
	titleSel cascadia.Selector
	linkSel  cascadia.Selector

	titleAttr    string
	linkTypeAttr string

	rules   []keywordRule
	allowed model.LinkTypeSet
}

// keywordRule holds case-folded keywords for one link type.
type keywordRule struct {
	linkType model.LinkType
	keywords []string
}

// folder folds text for caseless keyword matching.
var folder = cases.Fold()

// pathSeparators turns URL paths into space separated words.
var pathSeparators = strings.NewReplacer("-", " ", "_", " ", "/", " ", ".", " ")

// NewExtractor compiles the selectors of tmpl. An empty allowed set keeps
// every link type.
func NewExtractor(tmpl config.SourceTemplate, allowed model.LinkTypeSet) (*Extractor, error) {
	x := &Extractor{
		titleAttr:    tmpl.TitleAttr,
		linkTypeAttr: tmpl.LinkTypeAttr,
		allowed:      allowed,
	}

	var err error
	if x.itemSel, err = cascadia.Compile(tmpl.ItemSelector); err != nil {
		return nil, fmt.Errorf("%w: itemSelector: %v", config.ErrInvalidSelector, err)
	}
	if tmpl.TitleSelector != "" {
		if x.titleSel, err = cascadia.Compile(tmpl.TitleSelector); err != nil {
			return nil, fmt.Errorf("%w: titleSelector: %v", config.ErrInvalidSelector, err)
		}
	}
	linkSelector := tmpl.LinkSelector
	if linkSelector == "" {
		linkSelector = "a[href]"
	}
	if x.linkSel, err = cascadia.Compile(linkSelector); err != nil {
		return nil, fmt.Errorf("%w: linkSelector: %v", config.ErrInvalidSelector, err)
	}

	for _, rule := range tmpl.KeywordRules() {
		folded := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			if kw = strings.TrimSpace(folder.String(kw)); kw != "" {
				folded = append(folded, kw)
			}
		}
		x.rules = append(x.rules, keywordRule{linkType: rule.LinkType, keywords: folded})
	}

	return x, nil
}

// Extract returns the items of listing in document order.
//
// A listing that failed to fetch, or whose item selector matches nothing,
// returns an *model.ExtractionError. When ctx is cancelled between items the
// items extracted so far are returned together with ctx.Err().
func (x *Extractor) Extract(ctx context.Context, listing *Listing) ([]model.Item, error) {
	if listing.Err != nil {
		return nil, listing.Err
	}

	doc, err := listing.Document()
	if err != nil {
		return nil, &model.ExtractionError{Page: listing.Page, Err: err}
	}

	base, err := url.Parse(listing.Page.URL)
	if err != nil {
		return nil, &model.ExtractionError{Page: listing.Page, Err: err}
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved := resolveHref(base, href); resolved != nil {
			base = resolved
		}
	}

	var elements []*goquery.Selection
	doc.FindMatcher(x.itemSel).Each(func(_ int, s *goquery.Selection) {
		// An item nested in another item belongs to the outer one.
		if s.ParentsMatcher(x.itemSel).Length() > 0 {
			return
		}
		elements = append(elements, s)
	})
	if len(elements) == 0 {
		return nil, &model.ExtractionError{Page: listing.Page, Err: ErrNoItems}
	}

	items := make([]model.Item, 0, len(elements))
	for i, el := range elements {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		items = append(items, x.extractItem(el, base, listing.Page.PageNumber, i))
	}
	return items, nil
}

func (x *Extractor) extractItem(el *goquery.Selection, base *url.URL, pageNumber, itemIndex int) model.Item {
	item := model.Item{
		AppName:    x.itemName(el, pageNumber, itemIndex),
		PageNumber: pageNumber,
		Links:      make([]model.CandidateLink, 0),
	}

	seen := make(map[string]bool)
	el.FindMatcher(x.linkSel).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		resolved := resolveHref(base, href)
		if resolved == nil {
			return
		}
		link := resolved.String()
		if seen[link] {
			return
		}
		seen[link] = true

		linkType := x.classify(a, resolved)
		if !x.allowed.Allows(linkType) {
			return
		}

		item.Links = append(item.Links, model.CandidateLink{
			URL:        link,
			LinkType:   linkType,
			AppName:    item.AppName,
			PageNumber: pageNumber,
			ItemIndex:  itemIndex,
			LinkIndex:  len(item.Links),
		})
	})

	return item
}

// itemName prefers the title attribute, then the title element text.
func (x *Extractor) itemName(el *goquery.Selection, pageNumber, itemIndex int) string {
	if x.titleAttr != "" {
		if v, ok := el.Attr(x.titleAttr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if x.titleSel != nil {
		if text := collapseSpace(el.FindMatcher(x.titleSel).First().Text()); text != "" {
			return text
		}
	}
	return fmt.Sprintf("Item %d.%d", pageNumber, itemIndex+1)
}

// classify decides the link type: the explicit type attribute first, then
// keywords in the anchor text, then keywords in the URL path.
func (x *Extractor) classify(a *goquery.Selection, u *url.URL) model.LinkType {
	if x.linkTypeAttr != "" {
		if v, ok := a.Attr(x.linkTypeAttr); ok {
			if lt, err := model.ParseLinkType(v); err == nil {
				return lt
			}
		}
	}

	text := a.Text()
	for _, attr := range []string{"title", "aria-label"} {
		if v, ok := a.Attr(attr); ok {
			text += " " + v
		}
	}
	if lt, ok := x.matchKeywords(folder.String(collapseSpace(text))); ok {
		return lt
	}

	if lt, ok := x.matchKeywords(folder.String(pathSeparators.Replace(u.Path))); ok {
		return lt
	}
	return model.LinkTypeOther
}

func (x *Extractor) matchKeywords(folded string) (model.LinkType, bool) {
	if folded == "" {
		return model.LinkTypeOther, false
	}
	for _, rule := range x.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(folded, kw) {
				return rule.linkType, true
			}
		}
	}
	return model.LinkTypeOther, false
}

// resolveHref resolves href against base, keeps only http(s) targets and
// strips the fragment. It returns nil for links that cannot be checked.
func resolveHref(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil
	}

	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}

	resolved := base.ResolveReference(ref)
	switch strings.ToLower(resolved.Scheme) {
	case "http", "https":
	default:
		// javascript:, mailto:, tel:, data: and friends
		return nil
	}
	if resolved.Host == "" {
		return nil
	}

	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
