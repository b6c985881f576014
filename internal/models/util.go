package models

import (
	"encoding/json"
	"net/url"
	"strings"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func hostOf(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// sortedHostPair builds the LLM cache key described in §3: the two hosts
// joined in lexical order so (a,b) and (b,a) collide.
func sortedHostPair(a, b string) (string, bool) {
	if a == "" || b == "" {
		return "", false
	}
	if a > b {
		a, b = b, a
	}
	return a + "|" + b, true
}
