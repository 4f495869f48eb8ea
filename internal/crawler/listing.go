package crawler

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/nao1215/linkscan/internal/model"
)

// Listing is one enumerated listing page.
type Listing struct {
	// Page identifies the page.
	Page model.PageRef

	// Body is the raw page content, truncated to the configured body limit.
	Body []byte

	// ContentType is the Content-Type the server announced.
	ContentType string

	// TotalPages is the best known page count. It never decreases during an
	// enumeration and is never lower than Page.PageNumber.
	TotalPages int

	// Err is set when the page could not be fetched. It is always an
	// *model.ExtractionError; the page contributes no items.
	Err error

	doc *goquery.Document
}

// Document returns the parsed page, parsing Body on first use.
func (l *Listing) Document() (*goquery.Document, error) {
	if l.doc != nil {
		return l.doc, nil
	}
	if l.Err != nil {
		return nil, l.Err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(l.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	l.doc = doc
	return doc, nil
}
