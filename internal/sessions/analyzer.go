package sessions

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// wellKnownPlatforms maps platform names as they appear in plan text to their
// canonical domains. Matching is case-insensitive on whole words.
var wellKnownPlatforms = map[string]string{
	"facebook":  "facebook.com",
	"instagram": "instagram.com",
	"twitter":   "twitter.com",
	"x.com":     "x.com",
	"linkedin":  "linkedin.com",
	"tiktok":    "tiktok.com",
	"youtube":   "youtube.com",
	"reddit":    "reddit.com",
	"pinterest": "pinterest.com",
	"gmail":     "mail.google.com",
	"google":    "google.com",
	"shopify":   "shopify.com",
	"wordpress": "wordpress.com",
	"mailchimp": "mailchimp.com",
	"hubspot":   "hubspot.com",
	"stripe":    "stripe.com",
	"canva":     "canva.com",
}

// domainRe matches generic domain-like tokens (label.tld). Deliberately
// loose: false positives are expected and tolerated downstream.
var domainRe = regexp.MustCompile(`\b([a-z0-9][a-z0-9-]*(?:\.[a-z0-9][a-z0-9-]*)*\.[a-z]{2,})\b`)

// Analyze scans plan/step text for session requirements and classifies each
// against the supplied records as available, expired, or missing.
func Analyze(text string, records []Record, now time.Time) Analysis {
	reqs := DetectRequirements(text)

	var out Analysis
	for _, req := range reqs {
		rec, found := matchRecord(req, records)
		switch {
		case !found:
			out.Missing = append(out.Missing, req)
		case rec.Expired(now):
			out.Expired = append(out.Expired, Match{Requirement: req, Record: rec})
		default:
			out.Available = append(out.Available, Match{Requirement: req, Record: rec})
		}
	}
	return out
}

// platformNames returns the well-known platform names in sorted order, so
// detection output is stable across invocations.
func platformNames() []string {
	names := make([]string, 0, len(wellKnownPlatforms))
	for name := range wellKnownPlatforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectRequirements extracts required sessions from free text: well-known
// platform names first, then generic domain tokens. Duplicate domains are
// collapsed.
func DetectRequirements(text string) []Requirement {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var reqs []Requirement

	for _, name := range platformNames() {
		domain := wellKnownPlatforms[name]
		if !containsWord(lower, name) || seen[domain] {
			continue
		}
		seen[domain] = true
		reqs = append(reqs, Requirement{
			Platform: name,
			Domain:   domain,
			Reason:   fmt.Sprintf("plan text mentions %s", name),
		})
	}

	for _, m := range domainRe.FindAllString(lower, -1) {
		domain := strings.TrimPrefix(m, "www.")
		if seen[domain] || coveredBySeen(seen, domain) {
			continue
		}
		seen[domain] = true
		reqs = append(reqs, Requirement{
			Platform: platformFromDomain(domain),
			Domain:   domain,
			Reason:   fmt.Sprintf("plan text references %s", domain),
		})
	}

	return reqs
}

// matchRecord finds a stored record satisfying the requirement. Domains
// match when equal or when one contains the other, which tolerates
// subdomain and platform-name variants.
func matchRecord(req Requirement, records []Record) (Record, bool) {
	for _, rec := range records {
		if DomainsMatch(req.Domain, rec.Domain) {
			return rec, true
		}
		if rec.Platform != "" && strings.EqualFold(rec.Platform, req.Platform) {
			return rec, true
		}
	}
	return Record{}, false
}

// DomainsMatch reports whether two domains refer to the same site: exact
// match or substring containment in either direction, ignoring a leading
// "www." label.
func DomainsMatch(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a)), "www.")
	b = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(b)), "www.")
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// PromptContext renders the analysis as an advisory block for the agent's
// prompt. Returns "" when there is nothing to report.
func (a Analysis) PromptContext() string {
	if a.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Stored authentication sessions\n")
	for _, m := range a.Available {
		fmt.Fprintf(&sb, "- %s: session available (last used %s)\n",
			m.Record.Domain, humanTime(m.Record.LastUsedAt))
	}
	for _, m := range a.Expired {
		fmt.Fprintf(&sb, "- %s: session expired; report session_needed if required\n", m.Record.Domain)
	}
	for _, req := range a.Missing {
		fmt.Fprintf(&sb, "- %s: no stored session; report session_needed if required\n", req.Domain)
	}
	return sb.String()
}

// coveredBySeen suppresses domain tokens already covered by an earlier
// detection (e.g. a platform mention whose canonical domain contains it).
func coveredBySeen(seen map[string]bool, domain string) bool {
	for d := range seen {
		if DomainsMatch(d, domain) {
			return true
		}
	}
	return false
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(text[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(text) || !isWordByte(text[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// platformFromDomain derives a platform label from a detected domain,
// preferring a well-known name when the domain maps back to one. Exact
// domain matches win over containment so google.com never labels as gmail.
func platformFromDomain(domain string) string {
	for _, name := range platformNames() {
		if wellKnownPlatforms[name] == domain {
			return name
		}
	}
	for _, name := range platformNames() {
		if DomainsMatch(domain, wellKnownPlatforms[name]) {
			return name
		}
	}
	parts := strings.Split(domain, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return domain
}
