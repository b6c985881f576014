// Package canon turns a raw upstream item into the Canonical Row every
// matching rule in internal/dedup operates on.
package canon

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"websetdedup/internal/models"
)

// genericSubdomains mirrors hosting patterns that carry no brand identity of
// their own (www, m, app, ...); anything else is "other" (organizational or
// regional, e.g. "uk", "investor", "shop").
var genericSubdomains = map[string]struct{}{
	"":     {},
	"www":  {},
	"m":    {},
	"app":  {},
	"web":  {},
	"go":   {},
	"my":   {},
	"the":  {},
	"get":  {},
}

// videoPlatforms is the known video-platform etld1 set (§3); items on these
// domains use the `video:<slug>` Tier-0 key instead of brand:etld1:subCls so
// that distinct titles on the same platform are never collapsed together.
var videoPlatforms = map[string]struct{}{
	"youtube.com":     {},
	"youtu.be":        {},
	"vimeo.com":       {},
	"dailymotion.com": {},
	"twitch.tv":       {},
}

// Canonicalize derives a Canonical Row from a raw property bag. id is the
// source item identifier (used as RowID verbatim; callers mint a UUID when
// the source has none, per §3).
func Canonicalize(mode models.Mode, raw map[string]any, id string) models.Row {
	if raw == nil {
		raw = map[string]any{}
	}
	rawURL := extractURL(raw)
	host, etld1, brand, subCls := parseHost(rawURL)
	name := cleanName(extractName(mode, raw))

	row := models.Row{
		RowID:           id,
		Name:            name,
		URL:             rawURL,
		Host:            host,
		ETLD1:           etld1,
		Brand:           brand,
		SubCls:          subCls,
		IsVideoPlatform: isVideoPlatform(etld1),
		Raw:             raw,
	}
	if mode == models.ModeEntity {
		row.NormalizedTitle = NormalizedTitle(name)
	}
	return row
}

// TierZeroKey computes the deterministic fingerprint key of §3.
func TierZeroKey(row models.Row) string {
	if row.IsVideoPlatform {
		return "video:" + slugify(row.Name)
	}
	return row.Brand + ":" + row.ETLD1 + ":" + string(row.SubCls)
}

// DegenerateTierZeroKey reports whether row carries none of the signals the
// fingerprint key is built from (no parseable host, not a video-platform
// title), in which case the key would be shared by every other such row and
// must not be used for exact rejection.
func DegenerateTierZeroKey(row models.Row) bool {
	if row.IsVideoPlatform {
		return slugify(row.Name) == ""
	}
	return row.Brand == "" && row.ETLD1 == ""
}

func isVideoPlatform(etld1 string) bool {
	_, ok := videoPlatforms[etld1]
	return ok
}

// --- URL extraction -------------------------------------------------------

func extractURL(raw map[string]any) string {
	if props, ok := raw["properties"].(map[string]any); ok {
		if u := stringField(props, "url"); u != "" {
			return u
		}
	}
	if u := stringField(raw, "url"); u != "" {
		return u
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		if u := findNestedURLOrWebsite(props); u != "" {
			return u
		}
	}
	if u := findNestedURLOrWebsite(raw); u != "" {
		return u
	}
	if source := stringField(raw, "source"); looksLikeURL(source) {
		return source
	}
	return ""
}

func findNestedURLOrWebsite(m map[string]any) string {
	for _, v := range m {
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if u := stringField(nested, "url"); u != "" {
			return u
		}
		if u := stringField(nested, "website"); u != "" {
			return u
		}
	}
	return ""
}

func looksLikeURL(v string) bool {
	if v == "" {
		return false
	}
	parsed, err := url.Parse(v)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

// --- Name extraction -------------------------------------------------------

func extractName(mode models.Mode, raw map[string]any) string {
	props, _ := raw["properties"].(map[string]any)
	var candidates []string
	if mode == models.ModeEntity {
		candidates = []string{
			stringField(raw, "title"),
			stringField(raw, "name"),
			stringField(props, "title"),
			stringField(props, "name"),
		}
	} else {
		candidates = []string{
			stringField(raw, "name"),
			stringField(raw, "title"),
			stringField(props, "name"),
			stringField(props, "title"),
			nestedCompanyName(props),
		}
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	if n := findNestedTitleOrName(mode, raw); n != "" {
		return n
	}
	if n := findNestedTitleOrName(mode, props); n != "" {
		return n
	}
	return domainSlugFallback(raw)
}

func nestedCompanyName(props map[string]any) string {
	if props == nil {
		return ""
	}
	company, ok := props["company"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(company, "name")
}

func findNestedTitleOrName(mode models.Mode, m map[string]any) string {
	for key, v := range m {
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if n := stringField(nested, "title"); n != "" {
			return n
		}
		if n := stringField(nested, "name"); n != "" {
			return n
		}
		if mode == models.ModeCompany && strings.EqualFold(key, "company") {
			if n := stringField(nested, "company_name"); n != "" {
				return n
			}
		}
	}
	return ""
}

func domainSlugFallback(raw map[string]any) string {
	_, etld1, _, _ := parseHost(extractURL(raw))
	if etld1 == "" {
		return ""
	}
	return strings.TrimSuffix(etld1, "."+tld(etld1))
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// --- Name cleaning ----------------------------------------------------------

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	htmlEntityRe = regexp.MustCompile(`&[a-zA-Z#0-9]+;`)
	disallowedRe = regexp.MustCompile(`[^a-zA-Z0-9\s\-&.,()]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

func cleanName(name string) string {
	name = htmlTagRe.ReplaceAllString(name, "")
	name = htmlEntityRe.ReplaceAllString(name, "")
	name = disallowedRe.ReplaceAllString(name, "")
	name = whitespaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// --- Host parsing -----------------------------------------------------------

func parseHost(rawURL string) (host, etld1, brand string, subCls models.SubdomainClass) {
	if rawURL == "" {
		return "", "", "", ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return "", "", "", ""
	}
	host = strings.ToLower(parsed.Hostname())
	labels := strings.Split(host, ".")
	etld1 = registrableDomain(labels)
	brand = brandToken(etld1)
	sub := ""
	if len(labels) > len(strings.Split(etld1, ".")) {
		sub = strings.Join(labels[:len(labels)-len(strings.Split(etld1, "."))], ".")
	}
	if _, generic := genericSubdomains[sub]; generic {
		subCls = models.SubClsGeneric
	} else {
		subCls = models.SubClsOther
	}
	return host, etld1, brand, subCls
}

// registrableDomain approximates an eTLD+1 extraction: the last two labels,
// except for known compound-suffix ccTLDs (co.uk, com.au, ...) where it is
// the last three. A full public-suffix list is out of scope; this covers the
// common cases the fuzzy matcher's brand/domain rules depend on.
var compoundSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "ac.uk": {}, "gov.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {},
	"co.jp": {}, "co.kr": {}, "com.br": {}, "com.cn": {},
}

func registrableDomain(labels []string) string {
	n := len(labels)
	if n == 0 {
		return ""
	}
	if n == 1 {
		return labels[0]
	}
	lastTwo := labels[n-2] + "." + labels[n-1]
	if n >= 3 {
		if _, ok := compoundSuffixes[lastTwo]; ok {
			return labels[n-3] + "." + lastTwo
		}
	}
	return lastTwo
}

func tld(etld1 string) string {
	parts := strings.Split(etld1, ".")
	if len(parts) == 0 {
		return etld1
	}
	return parts[len(parts)-1]
}

var brandStripRe = regexp.MustCompile(`[0-9._-]`)

// brandToken lowercases the registrable domain with its suffix removed and
// strips digits/separators, per §3.
func brandToken(etld1 string) string {
	if etld1 == "" {
		return ""
	}
	withoutSuffix := strings.TrimSuffix(etld1, "."+tld(etld1))
	return brandStripRe.ReplaceAllString(strings.ToLower(withoutSuffix), "")
}

func slugify(name string) string {
	lower := strings.ToLower(NormalizedTitle(name))
	lower = whitespaceRe.ReplaceAllString(lower, "-")
	return strings.Trim(lower, "-")
}

var (
	yearParenRe    = regexp.MustCompile(`\(\s*(19|20)\d{2}\s*\)`)
	formatMarkerRe = regexp.MustCompile(`(?i)\b(TV Series|Movie|Film|Book|Anime|Series|Show)\b`)
	standaloneTVRe = regexp.MustCompile(`(?i)\(\s*TV[^)]*\)`)
	regionMarkerRe = regexp.MustCompile(`(?i)\b(US|UK|Japanese|English|Dub|Sub|Original)\b`)
	episodeTailRe  = regexp.MustCompile(`(?i)\b(S\d+E\d+|Season\s+\d+|Ep\.?\s*\d+|Episode\s+\d+).*$`)
	editionMarkerRe = regexp.MustCompile(`(?i)\b(Remastered|Director'?s Cut|Extended|Revised|Special|Limited|Ultimate|Complete|Definitive)\b`)
	trailerSuffixRe = regexp.MustCompile(`(?i)\b(Official\s+)?(Trailer|Teaser|TV Spot|Clip|Behind the Scenes|Making Of)\b.*$`)
	leadingTheRe    = regexp.MustCompile(`(?i)^the\s+(.*)$`)
	trailingTheRe   = regexp.MustCompile(`(?i)^(.*),\s*the$`)
	punctRe         = regexp.MustCompile(`[^\w\s]`)
)

// NormalizedTitle runs the fixed ordered cleaning pipeline of §4.1 used by
// entity-mode name matching. It is idempotent (L3): running it twice yields
// the same string as running it once.
func NormalizedTitle(name string) string {
	s := norm.NFKC.String(name)
	s = yearParenRe.ReplaceAllString(s, "")
	s = standaloneTVRe.ReplaceAllString(s, "")
	s = formatMarkerRe.ReplaceAllString(s, "")
	s = regionMarkerRe.ReplaceAllString(s, "")
	s = episodeTailRe.ReplaceAllString(s, "")
	s = editionMarkerRe.ReplaceAllString(s, "")
	s = trailerSuffixRe.ReplaceAllString(s, "")

	s = strings.TrimSpace(s)
	if m := leadingTheRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else if m := trailingTheRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	s = punctRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.ToLower(strings.TrimSpace(s))
	return s
}

// Clean exposes cleanName for callers that need display-name cleaning
// without a full canonicalization pass (history API formatting, tests).
func Clean(name string) string {
	return cleanName(name)
}
