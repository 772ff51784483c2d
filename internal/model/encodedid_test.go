package model

import "testing"

func TestParseEncodedID_RoundTrip(t *testing.T) {
	cases := []string{"0-12", "3-409213", "17-0"}
	for _, s := range cases {
		id, err := ParseEncodedID(s)
		if err != nil {
			t.Fatalf("ParseEncodedID(%q) returned error: %v", s, err)
		}
		if got := id.String(); got != s {
			t.Errorf("round trip mismatch: parsed %q, formatted back as %q", s, got)
		}
	}
}

func TestParseEncodedID_Malformed(t *testing.T) {
	cases := []string{"", "12", "-12", "1-", "01-2", "1-02", "a-1", "1-a", "1--2"}
	for _, s := range cases {
		if _, err := ParseEncodedID(s); err == nil {
			t.Errorf("ParseEncodedID(%q) expected error, got none", s)
		}
	}
}
