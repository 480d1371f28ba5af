package security

import "testing"

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := ConstantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestValidHost(t *testing.T) {
	valid := []string{"localhost", "db.internal.example.com", "192.168.1.1", "a", "a-b.c"}
	invalid := []string{"", "2001:db8::1", "-leading", "trailing-.", "has space", "under_score..com"}

	for _, h := range valid {
		if !ValidHost(h) {
			t.Errorf("expected %q to be valid", h)
		}
	}
	for _, h := range invalid {
		if ValidHost(h) {
			t.Errorf("expected %q to be invalid", h)
		}
	}
}
