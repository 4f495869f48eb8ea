package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// LinkType is the semantic role of a link attached to an item.
type LinkType int

const (
	// LinkTypeOther is any link that does not match a known role.
	LinkTypeOther LinkType = iota

	// LinkTypeSetupGuide points at installation or getting-started material.
	LinkTypeSetupGuide

	// LinkTypeDocumentation points at reference documentation.
	LinkTypeDocumentation

	// LinkTypeSupport points at a help desk, forum or contact page.
	LinkTypeSupport

	// LinkTypePricing points at a pricing or plans page.
	LinkTypePricing

	// LinkTypePrivacyPolicy points at a privacy policy.
	LinkTypePrivacyPolicy

	// LinkTypeTerms points at terms of service.
	LinkTypeTerms

	// LinkTypeDemo points at a demo or trial page.
	LinkTypeDemo

	// LinkTypeWebsite points at the vendor's home page.
	LinkTypeWebsite
)

// AllLinkTypes returns every link type in declaration order.
func AllLinkTypes() []LinkType {
	return []LinkType{
		LinkTypeSetupGuide,
		LinkTypeDocumentation,
		LinkTypeSupport,
		LinkTypePricing,
		LinkTypePrivacyPolicy,
		LinkTypeTerms,
		LinkTypeDemo,
		LinkTypeWebsite,
		LinkTypeOther,
	}
}

// String returns the canonical identifier of the link type.
func (t LinkType) String() string {
	switch t {
	case LinkTypeSetupGuide:
		return "SetupGuide"
	case LinkTypeDocumentation:
		return "Documentation"
	case LinkTypeSupport:
		return "Support"
	case LinkTypePricing:
		return "Pricing"
	case LinkTypePrivacyPolicy:
		return "PrivacyPolicy"
	case LinkTypeTerms:
		return "Terms"
	case LinkTypeDemo:
		return "Demo"
	case LinkTypeWebsite:
		return "Website"
	default:
		return "Other"
	}
}

// Label returns the display label used in reports.
func (t LinkType) Label() string {
	switch t {
	case LinkTypeSetupGuide:
		return "Setup Guide"
	case LinkTypePrivacyPolicy:
		return "Privacy Policy"
	case LinkTypeTerms:
		return "Terms of Service"
	default:
		return t.String()
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t LinkType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *LinkType) UnmarshalText(text []byte) error {
	parsed, err := ParseLinkType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// linkTypeAliases maps folded, separator-free spellings to link types.
var linkTypeAliases = map[string]LinkType{
	"setupguide":     LinkTypeSetupGuide,
	"setup":          LinkTypeSetupGuide,
	"gettingstarted": LinkTypeSetupGuide,
	"documentation":  LinkTypeDocumentation,
	"docs":           LinkTypeDocumentation,
	"support":        LinkTypeSupport,
	"help":           LinkTypeSupport,
	"pricing":        LinkTypePricing,
	"privacypolicy":  LinkTypePrivacyPolicy,
	"privacy":        LinkTypePrivacyPolicy,
	"terms":          LinkTypeTerms,
	"termsofservice": LinkTypeTerms,
	"tos":            LinkTypeTerms,
	"demo":           LinkTypeDemo,
	"website":        LinkTypeWebsite,
	"homepage":       LinkTypeWebsite,
	"other":          LinkTypeOther,
}

// ParseLinkType parses a link type from its identifier, label or a common
// alias. Matching ignores case, spaces, hyphens and underscores, so
// "SetupGuide", "setup-guide" and "Setup Guide" are all accepted.
func ParseLinkType(s string) (LinkType, error) {
	key := foldLinkTypeKey(s)
	if t, ok := linkTypeAliases[key]; ok {
		return t, nil
	}
	return LinkTypeOther, fmt.Errorf("unknown link type %q", s)
}

// ParseLinkTypes parses a list of link type names, rejecting unknown entries.
func ParseLinkTypes(names []string) ([]LinkType, error) {
	types := make([]LinkType, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t, err := ParseLinkType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func foldLinkTypeKey(s string) string {
	folded := cases.Fold().String(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(folded)
}

// LinkTypeSet is an allow-list of link types.
// A nil or empty set allows every type.
type LinkTypeSet map[LinkType]bool

// NewLinkTypeSet builds a set from the given types.
func NewLinkTypeSet(types ...LinkType) LinkTypeSet {
	set := make(LinkTypeSet, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Allows reports whether links of type t pass the allow-list.
func (s LinkTypeSet) Allows(t LinkType) bool {
	if len(s) == 0 {
		return true
	}
	return s[t]
}
