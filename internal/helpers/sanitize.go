package helpers

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	reportPolicyOnce sync.Once
	reportPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy strips every element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// ReportHTMLPolicy allows the inline formatting engines embed in markdown reports
// (emphasis, lists, tables, code, links) and drops scripts, handlers and javascript: URLs.
func ReportHTMLPolicy() *bluemonday.Policy {
	reportPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("figure", "figcaption", "details", "summary")
		policy.AllowAttrs("class").OnElements("code", "pre", "figure")
		policy.AllowURLSchemes("http", "https", "mailto")
		policy.AllowRelativeURLs(true)
		policy.RequireParseableURLs(true)
		policy.AddTargetBlankToFullyQualifiedLinks(true)
		reportPolicy = policy
	})
	return reportPolicy
}

// SanitizeReport cleans HTML embedded in a markdown report. Text without markup is returned
// unchanged so markdown punctuation is not entity-escaped.
func SanitizeReport(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	return ReportHTMLPolicy().Sanitize(s)
}

// StripTags reduces s to plain text. Text without markup is only trimmed.
func StripTags(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}
	return strings.TrimSpace(StrictHTMLPolicy().Sanitize(s))
}
