package mapper

import "testing"

func TestSplitCollectionPath(t *testing.T) {
	tests := []struct {
		path       string
		prefix     string
		ident      string
		suffix     string
		ok         bool
	}{
		{"/api/v2/tenants/t/databases/d/collections/docs/add", "/api/v2/tenants/t/databases/d/collections/", "docs", "/add", true},
		{"/api/v2/tenants/t/databases/d/collections/docs", "/api/v2/tenants/t/databases/d/collections/", "docs", "", true},
		{"/api/v2/tenants/t/databases/d/collections", "", "", "", false},
		{"/api/v2/tenants/t/databases/d/collections/", "", "", "", false},
		{"/api/v2/version", "", "", "", false},
	}
	for _, tt := range tests {
		prefix, ident, suffix, ok := SplitCollectionPath(tt.path)
		if ok != tt.ok || prefix != tt.prefix || ident != tt.ident || suffix != tt.suffix {
			t.Errorf("%s: got (%q, %q, %q, %v), want (%q, %q, %q, %v)",
				tt.path, prefix, ident, suffix, ok, tt.prefix, tt.ident, tt.suffix, tt.ok)
		}
	}
}

func TestIsCollectionCreate(t *testing.T) {
	if !IsCollectionCreate("POST", "/api/v2/tenants/t/databases/d/collections") {
		t.Fatal("POST to /collections is a create")
	}
	if !IsCollectionCreate("POST", "/api/v2/tenants/t/databases/d/collections/") {
		t.Fatal("trailing slash still counts")
	}
	if IsCollectionCreate("GET", "/api/v2/tenants/t/databases/d/collections") {
		t.Fatal("GET is a list, not a create")
	}
	if IsCollectionCreate("POST", "/api/v2/tenants/t/databases/d/collections/docs/add") {
		t.Fatal("document add is not a collection create")
	}
}
