package domain

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `[
		{"id": "eaas", "name": "Echo as a Service", "category": "pwn", "image": "ctflabs/eaas:latest", "port": 1337, "cpu": 0.25, "memory_mb": 128},
		{"id": "vuln-app", "name": "Vulnerable Web App", "category": "web", "image": "ctflabs/vuln-app:latest", "port": 8080, "cpu": 0.5, "memory_mb": 256}
	]`)

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(catalog))
	}
	tmpl, ok := catalog.Get("eaas")
	if !ok || tmpl.Port != 1337 || tmpl.Image != "ctflabs/eaas:latest" {
		t.Fatalf("unexpected template: %+v", tmpl)
	}
	if _, ok := catalog.Get("missing"); ok {
		t.Fatal("lookup of unknown template must fail")
	}
}

func TestLoadCatalogRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"missing image":  `[{"id": "a", "port": 80}]`,
		"missing port":   `[{"id": "a", "image": "img"}]`,
		"duplicate id":   `[{"id": "a", "image": "img", "port": 80}, {"id": "a", "image": "img2", "port": 81}]`,
		"empty catalog":  `[]`,
		"malformed json": `{"not": "a list"}`,
	}
	for name, contents := range cases {
		if _, err := LoadCatalog(writeCatalog(t, contents)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestStatusActive(t *testing.T) {
	active := []Status{StatusCreating, StatusRunning}
	for _, s := range active {
		if !s.Active() {
			t.Fatalf("%s should count against capacity", s)
		}
	}
	for _, s := range []Status{StatusFailed, StatusDeleted} {
		if s.Active() {
			t.Fatalf("%s must not count against capacity", s)
		}
	}
}
