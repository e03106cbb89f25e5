package books

import "testing"

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/items", "GET /items"},
		{"GET", "/items/12345", "GET /items/:id"},
		{"PUT", "/customers/987/addresses/42", "PUT /customers/:id/addresses/:id"},
		{"GET", "/items?page=2", "GET /items"},
		{"GET", "/items/abc123", "GET /items/abc123"},
		{"DELETE", "/", "DELETE /"},
	}

	for _, tc := range cases {
		if got := normalizeLabel(tc.method, tc.path); got != tc.want {
			t.Errorf("normalizeLabel(%s, %s) = %q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
