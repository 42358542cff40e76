package hash

import "testing"

func TestSHA1(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1", "356a192b7913b04c54574d18c28d46e6395428ab"},
		{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
	}
	for _, tt := range tests {
		if got := SHA1(tt.in); got != tt.want {
			t.Errorf("SHA1(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if SHA1("a") == SHA1("b") {
		t.Error("distinct inputs should hash differently")
	}
}
