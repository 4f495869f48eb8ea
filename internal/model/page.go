package model

// PageRef identifies one listing page.
// PageNumber starts at 1 and follows enumeration order.
type PageRef struct {
	// PageNumber is the 1-based position of the page in the listing.
	PageNumber int `json:"page_number"`

	// URL is the absolute URL the page was fetched from.
	URL string `json:"url"`
}

// Item is one entry of a listing page together with its candidate links.
type Item struct {
	// AppName is the display name of the entry.
	AppName string `json:"app_name"`

	// PageNumber is the page the entry was found on.
	PageNumber int `json:"page_number"`

	// Links are the entry's outbound links after normalization,
	// deduplication and allow-list filtering, in document order.
	Links []CandidateLink `json:"links"`
}

// CandidateLink is a link that still has to be validated.
type CandidateLink struct {
	// URL is absolute and has no fragment.
	URL string `json:"url"`

	// LinkType is the semantic role of the link.
	LinkType LinkType `json:"link_type"`

	// AppName is the name of the item the link belongs to.
	AppName string `json:"app_name"`

	// PageNumber is the page the owning item was found on.
	PageNumber int `json:"page_number"`

	// ItemIndex is the position of the owning item on its page.
	ItemIndex int `json:"item_index"`

	// LinkIndex is the position of the link within its item.
	LinkIndex int `json:"link_index"`
}

// Before reports whether c was discovered before other.
// Discovery order is (PageNumber, ItemIndex, LinkIndex).
func (c CandidateLink) Before(other CandidateLink) bool {
	if c.PageNumber != other.PageNumber {
		return c.PageNumber < other.PageNumber
	}
	if c.ItemIndex != other.ItemIndex {
		return c.ItemIndex < other.ItemIndex
	}
	return c.LinkIndex < other.LinkIndex
}

// Key identifies a link across scans of the same seed. The page number and
// positions are left out: entries move between pages as the listing changes.
func (c CandidateLink) Key() string {
	return c.AppName + "|" + c.LinkType.String() + "|" + c.URL
}
