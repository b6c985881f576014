package canon

import (
	"testing"

	"websetdedup/internal/models"
)

func TestCanonicalizeExtractsURLAndHost(t *testing.T) {
	row := Canonicalize(models.ModeCompany, map[string]any{
		"id":   "a",
		"name": "Apple",
		"url":  "https://apple.com",
	}, "a")

	if row.Host != "apple.com" {
		t.Fatalf("host = %q, want apple.com", row.Host)
	}
	if row.ETLD1 != "apple.com" {
		t.Fatalf("etld1 = %q, want apple.com", row.ETLD1)
	}
	if row.Brand != "apple" {
		t.Fatalf("brand = %q, want apple", row.Brand)
	}
	if row.SubCls != models.SubClsGeneric {
		t.Fatalf("subCls = %q, want generic", row.SubCls)
	}
}

func TestCanonicalizeToleratesMissingNameAndURL(t *testing.T) {
	row := Canonicalize(models.ModeCompany, map[string]any{"id": "x"}, "x")
	if row.Name != "" || row.URL != "" || row.Host != "" {
		t.Fatalf("expected empty derived fields, got %+v", row)
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	raw := map[string]any{"id": "a", "title": "District 9 (2009)", "url": "https://example.com/a"}
	first := Canonicalize(models.ModeEntity, raw, "a")
	second := Canonicalize(models.ModeEntity, first.Raw, "a")
	if first.NormalizedTitle != second.NormalizedTitle || first.Host != second.Host {
		t.Fatalf("canonicalize not idempotent: %+v vs %+v", first, second)
	}
}

func TestNormalizedTitleStripsYearAndFormatMarkers(t *testing.T) {
	cases := map[string]string{
		"District 9":         "district 9",
		"District 9 (2009)":  "district 9",
		"The Matrix":         "matrix",
		"Inception (Movie)":  "inception",
	}
	for in, want := range cases {
		got := NormalizedTitle(in)
		if got != want {
			t.Errorf("NormalizedTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizedTitleIdempotent(t *testing.T) {
	in := "The Matrix Reloaded (2003) Remastered"
	once := NormalizedTitle(in)
	twice := NormalizedTitle(once)
	if once != twice {
		t.Fatalf("not idempotent: %q vs %q", once, twice)
	}
}

func TestTierZeroKeyVideoPlatform(t *testing.T) {
	row := Canonicalize(models.ModeEntity, map[string]any{
		"id":    "v1",
		"title": "Inception Official Trailer",
		"url":   "https://youtube.com/watch?v=1",
	}, "v1")
	key := TierZeroKey(row)
	if key[:6] != "video:" {
		t.Fatalf("key = %q, want video: prefix", key)
	}
}

func TestExtractURLPriority(t *testing.T) {
	raw := map[string]any{
		"url":        "https://toplevel.example",
		"properties": map[string]any{"url": "https://props.example"},
	}
	row := Canonicalize(models.ModeCompany, raw, "a")
	if row.URL != "https://props.example" {
		t.Fatalf("url = %q, want properties.url to win", row.URL)
	}
}

func TestCompanyModeNestedCompanyName(t *testing.T) {
	raw := map[string]any{
		"properties": map[string]any{
			"company": map[string]any{"name": "Acme Corp"},
		},
	}
	row := Canonicalize(models.ModeCompany, raw, "a")
	if row.Name != "Acme Corp" {
		t.Fatalf("name = %q, want Acme Corp", row.Name)
	}
}
