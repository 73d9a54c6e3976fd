package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, c := range cases {
		if got := RedactEmail(c.in); got != c.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
