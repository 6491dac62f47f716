package services

import (
	"regexp"
	"strings"
)

// Signature categories reported by Scan.
const (
	CategorySQLInjection   = "sql_injection"
	CategoryPathTraversal  = "path_traversal"
	CategoryXSS            = "xss"
	CategoryScannerTool    = "scanner_tool"
	CategoryEncodedPayload = "encoded_payload"
)

// Verdict is the result of scanning one request.
type Verdict struct {
	Suspicious bool   `json:"suspicious"`
	Category   string `json:"category,omitempty"`
}

type signature struct {
	category string
	pattern  *regexp.Regexp
}

// SignatureMatcher scans request attributes against a fixed catalog of
// attack patterns. It only classifies; blocking is a gate policy decision.
type SignatureMatcher struct {
	urlSignatures  []signature
	bodySignatures []signature
	scannerAgents  []string
	allowedMethods map[string]bool
	maxHeaderCount int
}

// NewSignatureMatcher creates a matcher with the built-in catalog.
func NewSignatureMatcher() *SignatureMatcher {
	urlSigs := []signature{
		{CategoryPathTraversal, regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)},
		{CategorySQLInjection, regexp.MustCompile(`(?i)(union(\s|\+|%20)+select|select(\s|\+|%20)+.*(\s|\+|%20)from(\s|\+|%20)|insert(\s|\+|%20)+into|drop(\s|\+|%20)+table|;--|'\s*or\s+'?1'?\s*=\s*'?1)`)},
		{CategoryXSS, regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=|%3cscript)`)},
		{CategoryEncodedPayload, regexp.MustCompile(`(?i)(%00|\\x00|%0d%0a|\${.*}|\x60)`)},
	}
	bodySigs := []signature{
		{CategorySQLInjection, regexp.MustCompile(`(?i)(union\s+select|'\s*or\s+'?1'?\s*=\s*'?1|;\s*drop\s+table|'\s*;\s*--)`)},
		{CategoryXSS, regexp.MustCompile(`(?i)(<script[\s>]|javascript:\s*\S|on(error|load|click|mouseover)\s*=)`)},
		{CategoryEncodedPayload, regexp.MustCompile(`(?i)(eval\s*\(|base64_decode|fromcharcode|\\u00[0-9a-f]{2}\\u00)`)},
	}

	allowed := map[string]bool{}
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"} {
		allowed[m] = true
	}

	return &SignatureMatcher{
		urlSignatures:  urlSigs,
		bodySignatures: bodySigs,
		scannerAgents: []string{
			"sqlmap", "nikto", "nessus", "nmap", "masscan", "dirbuster",
			"gobuster", "wpscan", "acunetix", "burpsuite", "metasploit",
			"hydra", "zgrab", "python-requests/2.6",
		},
		allowedMethods: allowed,
		maxHeaderCount: 50,
	}
}

// Scan classifies the URL, user agent, and body of one request. The first
// matching signature wins; the catalog order puts the higher-confidence
// patterns first.
func (sm *SignatureMatcher) Scan(url, userAgent, body string) Verdict {
	for _, sig := range sm.urlSignatures {
		if sig.pattern.MatchString(url) {
			return Verdict{Suspicious: true, Category: sig.category}
		}
	}

	loweredAgent := strings.ToLower(userAgent)
	for _, tool := range sm.scannerAgents {
		if strings.Contains(loweredAgent, tool) {
			return Verdict{Suspicious: true, Category: CategoryScannerTool}
		}
	}

	if body != "" {
		for _, sig := range sm.bodySignatures {
			if sig.pattern.MatchString(body) {
				return Verdict{Suspicious: true, Category: sig.category}
			}
		}
	}

	return Verdict{}
}

// MethodAllowed reports whether the HTTP method is on the fixed allow-list.
func (sm *SignatureMatcher) MethodAllowed(method string) bool {
	return sm.allowedMethods[strings.ToUpper(method)]
}

// ExcessiveHeaders reports an anomalously large header count. This is a
// signal, never a reject.
func (sm *SignatureMatcher) ExcessiveHeaders(count int) bool {
	return count > sm.maxHeaderCount
}
