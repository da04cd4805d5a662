package gorm

import (
	"net/http/httptest"
	"testing"
)

func TestParseLimitParam(t *testing.T) {
	cases := []struct {
		name  string
		query string
		def   int
		want  int
	}{
		{"missing uses default", "", 50, 50},
		{"valid value", "limit=25", 50, 25},
		{"zero ignored", "limit=0", 50, 50},
		{"negative ignored", "limit=-5", 50, 50},
		{"garbage ignored", "limit=abc", 50, 50},
		{"capped at maximum", "limit=99999", 50, MaxPaginationLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/?"+tc.query, nil)
			if got := ParseLimitParam(r, tc.def); got != tc.want {
				t.Errorf("ParseLimitParam(%q) = %d, want %d", tc.query, got, tc.want)
			}
		})
	}
}

func TestParseOffsetParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/?offset=30", nil)
	if got := ParseOffsetParam(r); got != 30 {
		t.Errorf("Expected offset 30, got %d", got)
	}

	r = httptest.NewRequest("GET", "/?offset=-1", nil)
	if got := ParseOffsetParam(r); got != 0 {
		t.Errorf("Expected invalid offset to fall back to 0, got %d", got)
	}

	r = httptest.NewRequest("GET", "/", nil)
	if got := ParseOffsetParam(r); got != 0 {
		t.Errorf("Expected missing offset to be 0, got %d", got)
	}
}
