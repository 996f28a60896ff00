package deduplication

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{"simple", "https://example.com/path", "https://example.com/path"},
		{"utm and fragment", "https://example.com/path?utm_source=feed#section", "https://example.com/path"},
		{"uppercase host", "HTTP://Example.COM/", "http://example.com"},
		{"tracking params", "https://example.com/?fbclid=XYZ&gclid=ABC&utm_medium=1", "https://example.com"},
		{"keeps real params", "https://example.com/a?id=7&utm_campaign=x", "https://example.com/a?id=7"},
		{"empty", "  ", ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := NormalizeURL(c.url); got != c.want {
				t.Fatalf("NormalizeURL(%q) = %q; want %q", c.url, got, c.want)
			}
		})
	}
}

func TestUniquenessHash(t *testing.T) {
	a := UniquenessHash("market rally", "https://example.com/x?utm_source=rss")
	b := UniquenessHash("market rally", "https://EXAMPLE.com/x")
	if a != b {
		t.Fatalf("hash differs for equivalent links: %s vs %s", a, b)
	}
	if a == UniquenessHash("market rally", "https://example.com/y") {
		t.Fatalf("hash collides for different links")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d; want 64", len(a))
	}
}
