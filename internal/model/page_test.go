package model

import "testing"

// TestCandidateLinkBefore tests discovery ordering.
func TestCandidateLinkBefore(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		a, b     CandidateLink
		expected bool
	}{
		{"earlier page", CandidateLink{PageNumber: 1, ItemIndex: 5}, CandidateLink{PageNumber: 2}, true},
		{"later page", CandidateLink{PageNumber: 3}, CandidateLink{PageNumber: 2, ItemIndex: 9}, false},
		{"earlier item", CandidateLink{PageNumber: 1, ItemIndex: 0, LinkIndex: 7}, CandidateLink{PageNumber: 1, ItemIndex: 1}, true},
		{"earlier link", CandidateLink{PageNumber: 1, ItemIndex: 1, LinkIndex: 0}, CandidateLink{PageNumber: 1, ItemIndex: 1, LinkIndex: 1}, true},
		{"same position", CandidateLink{PageNumber: 1}, CandidateLink{PageNumber: 1}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.a.Before(tc.b); got != tc.expected {
				t.Errorf("Before() = %v, expected %v", got, tc.expected)
			}
		})
	}
}

// TestCandidateLinkKey tests that keys ignore the page and positions.
func TestCandidateLinkKey(t *testing.T) {
	t.Parallel()

	a := CandidateLink{URL: "https://a.example/", LinkType: LinkTypeDemo, AppName: "A", PageNumber: 1, ItemIndex: 0}
	b := a
	b.PageNumber = 3
	b.ItemIndex = 4
	b.LinkIndex = 2

	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}

	c := a
	c.URL = "https://b.example/"
	if a.Key() == c.Key() {
		t.Error("keys should differ for different URLs")
	}
}
