package digest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"digest_server/core/domain"
	"digest_server/pkg/hygiene"
)

// The validator is the last stage: it checks reference integrity, link
// hygiene, and section counts against the context, and records the content
// hash for the session audit. Its failure does not emit broken output — the
// service falls back to the minimal digest.

var (
	refTextPattern = regexp.MustCompile(`<span class="ref">\((\d+)\)</span>`)
	refCardPattern = regexp.MustCompile(`<li id="card-(\d+)"`)
	hrefPattern    = regexp.MustCompile(`href="([^"]*)"`)
	sectionPattern = regexp.MustCompile(`<section class="([a-z_]+)">`)
	countPattern   = regexp.MustCompile(`<h2>[^<]*\((\d+)\)</h2>`)
)

// Validator checks rendered output.
type Validator struct {
	providerHost string
}

// NewValidator creates the validator with the provider link whitelist host.
func NewValidator(providerHost string) *Validator {
	return &Validator{providerHost: providerHost}
}

// Stage returns the DAG node.
func (v *Validator) Stage() *Stage {
	return &Stage{
		Name:      "validate",
		DependsOn: []string{"render"},
		Inputs:    []Key{KeyHTML},
		Outputs:   []Key{},
		Run:       v.run,
	}
}

func (v *Validator) run(sc *StageContext) error {
	hv, err := sc.Get(KeyHTML)
	if err != nil {
		return err
	}
	html, _ := hv.(string)
	return v.Validate(html)
}

// Validate runs all checks over the rendered HTML.
func (v *Validator) Validate(html string) error {
	if err := v.checkReferences(html); err != nil {
		return err
	}
	if err := v.checkLinks(html); err != nil {
		return err
	}
	if err := v.checkSectionCounts(html); err != nil {
		return err
	}
	return nil
}

// checkReferences: every in-text (N) resolves to a card with id card-N.
func (v *Validator) checkReferences(html string) error {
	cards := make(map[string]bool)
	for _, m := range refCardPattern.FindAllStringSubmatch(html, -1) {
		cards[m[1]] = true
	}
	for _, m := range refTextPattern.FindAllStringSubmatch(html, -1) {
		if !cards[m[1]] {
			return fmt.Errorf("digest validate: reference (%s) has no card", m[1])
		}
	}
	return nil
}

// checkLinks: every href parses and points at the provider host.
func (v *Validator) checkLinks(html string) error {
	for _, m := range hrefPattern.FindAllStringSubmatch(html, -1) {
		raw := unescapeAttr(m[1])
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("digest validate: unparseable link")
		}
		if u.Scheme != "https" {
			return fmt.Errorf("digest validate: non-https link")
		}
		if u.Host != v.providerHost {
			return fmt.Errorf("digest validate: link host %q outside provider whitelist", u.Host)
		}
	}
	return nil
}

// checkSectionCounts: the rendered (N) heading counts match the actual card
// counts per section.
func (v *Validator) checkSectionCounts(html string) error {
	sections := sectionPattern.FindAllStringSubmatchIndex(html, -1)
	for i, loc := range sections {
		end := len(html)
		if i+1 < len(sections) {
			end = sections[i+1][0]
		}
		chunk := html[loc[0]:end]

		cm := countPattern.FindStringSubmatch(chunk)
		if cm == nil {
			return fmt.Errorf("digest validate: section missing count heading")
		}
		declared := cm[1]
		actual := len(refCardPattern.FindAllString(chunk, -1))
		if fmt.Sprintf("%d", actual) != declared {
			return fmt.Errorf("digest validate: section count %s != %d cards", declared, actual)
		}
	}
	return nil
}

// ContentHash returns the SHA-256 recorded in the session audit.
func ContentHash(html string) string {
	return hygiene.HashContent(html)
}

// SectionCounts tallies cards per section for the fallback digest and the
// response section index.
func SectionCounts(enrichment *Enrichment) map[domain.Section]int {
	counts := make(map[domain.Section]int)
	if enrichment == nil {
		return counts
	}
	for _, c := range enrichment.Cards {
		counts[c.Section]++
	}
	return counts
}

func unescapeAttr(s string) string {
	r := strings.NewReplacer("&amp;", "&", "&#43;", "+", "&#34;", `"`, "&#39;", "'")
	return r.Replace(s)
}
