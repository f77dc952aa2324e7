package digest

import (
	"html/template"
	"sort"
	"strings"

	"digest_server/core/domain"
)

// The synthesizer renders the digest from the context with a fixed template.
// No model output enters the render path: everything interpolated is either
// an enum, a number, or text that html/template contextually escapes. Output
// is byte-stable for a fixed context.

// perSenderCardCap keeps one noisy sender from swamping a section.
const perSenderCardCap = 3

var sectionTitles = map[domain.Section]string{
	domain.SectionCritical:       "Critical now",
	domain.SectionToday:          "Today",
	domain.SectionComingUp:       "Coming up",
	domain.SectionWorthKnowing:   "Worth knowing",
	domain.SectionEverythingElse: "Everything else",
}

// digestTemplate is parsed once. href values pass through urlquery+attribute
// escaping by the template engine; visible text through HTML escaping.
var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Your mail digest</title></head>
<body>
<p class="greeting">{{.Greeting}}</p>
{{range .Sections}}<section class="{{.Class}}">
<h2>{{.Title}} ({{.Count}})</h2>
<ol>
{{range .Cards}}<li id="card-{{.Ref}}"><a href="{{.Link}}">{{.Title}}</a>{{if .TimeLabel}} <span class="when">{{.TimeLabel}}</span>{{end}}{{if .Detail}} <span class="detail">{{.Detail}}</span>{{end}} <span class="ref">({{.Ref}})</span></li>
{{end}}</ol>
</section>
{{end}}</body>
</html>
`))

// fallbackTemplate is the minimal digest emitted when validation fails.
var fallbackTemplate = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Your mail digest</title></head>
<body>
<p class="greeting">{{.Greeting}}</p>
<ul>
{{range .Sections}}<li>{{.Title}}: {{.Count}}</li>
{{end}}</ul>
</body>
</html>
`))

type renderSection struct {
	Class string
	Title string
	Count int
	Cards []renderCard
}

type renderCard struct {
	Ref       int
	Title     string
	Detail    string
	TimeLabel string
	Link      string
}

// NewRenderStage builds the synthesis stage.
func NewRenderStage() *Stage {
	return &Stage{
		Name:      "render",
		DependsOn: []string{"enrich"},
		Inputs:    []Key{KeyEnrichment},
		Outputs:   []Key{KeyHTML},
		Run:       runRender,
	}
}

func runRender(sc *StageContext) error {
	ev, err := sc.Get(KeyEnrichment)
	if err != nil {
		return err
	}
	enrichment, _ := ev.(*Enrichment)
	if enrichment == nil {
		enrichment = &Enrichment{Greeting: "Hello"}
	}

	html, err := RenderDigest(enrichment)
	if err != nil {
		return err
	}
	return sc.Set(KeyHTML, html)
}

// RenderDigest produces the digest HTML from the enrichment. Deterministic:
// cards are ordered by section order, then entity index (extraction order, not
// time), and the sender cap drops deterministically from the end.
func RenderDigest(e *Enrichment) (string, error) {
	var sections []renderSection
	ref := 0

	for _, section := range domain.RenderedSections {
		cards := cardsForSection(e.Cards, section)
		if len(cards) == 0 {
			continue
		}
		rs := renderSection{
			Class: string(section),
			Title: sectionTitles[section],
		}
		for _, c := range cards {
			ref++
			rs.Cards = append(rs.Cards, renderCard{
				Ref:       ref,
				Title:     c.Title,
				Detail:    c.Detail,
				TimeLabel: c.TimeLabel,
				Link:      c.Link,
			})
		}
		rs.Count = len(rs.Cards)
		sections = append(sections, rs)
	}

	var sb strings.Builder
	err := digestTemplate.Execute(&sb, struct {
		Greeting string
		Sections []renderSection
	}{Greeting: e.Greeting, Sections: sections})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// cardsForSection filters, orders, and applies the per-sender cap.
func cardsForSection(cards []Card, section domain.Section) []Card {
	var picked []Card
	for _, c := range cards {
		if c.Section == section {
			picked = append(picked, c)
		}
	}

	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].EntityIndex < picked[j].EntityIndex
	})

	bySender := make(map[string]int)
	capped := picked[:0:0]
	for _, c := range picked {
		key := strings.ToLower(c.Sender)
		if bySender[key] >= perSenderCardCap {
			continue
		}
		bySender[key]++
		capped = append(capped, c)
	}
	return capped
}

// RenderFallback produces the minimal counts-only digest used when the full
// render cannot be trusted.
func RenderFallback(greeting string, counts map[domain.Section]int) string {
	type row struct {
		Title string
		Count int
	}
	var rows []row
	for _, s := range domain.RenderedSections {
		rows = append(rows, row{Title: sectionTitles[s], Count: counts[s]})
	}

	var sb strings.Builder
	if err := fallbackTemplate.Execute(&sb, struct {
		Greeting string
		Sections []row
	}{Greeting: greeting, Sections: rows}); err != nil {
		// The fallback template has no dynamic failure modes; an error here
		// means a programming bug, and an empty shell is still safe output.
		return "<!DOCTYPE html><html><body></body></html>"
	}
	return sb.String()
}
