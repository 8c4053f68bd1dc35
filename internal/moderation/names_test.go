package moderation

import "testing"

func TestNormalizeGuestName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"jane doe", "Jane Doe"},
		{"  JANE   doe ", "Jane Doe"},
		{"mcDONALD", "Mcdonald"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeGuestName(tc.in); got != tc.want {
			t.Fatalf("NormalizeGuestName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
