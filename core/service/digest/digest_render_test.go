package digest

import (
	"context"
	"strings"
	"testing"
	"time"

	"digest_server/core/domain"
	"digest_server/pkg/clock"
	"digest_server/pkg/metrics"
)

func testService(t *testing.T, now string) *Service {
	t.Helper()
	links, err := NewLinkBuilder("https://mail.google.com/mail/u/0/")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(ServiceDeps{
		Extractor: NewEntityExtractor(nil, nil),
		Enricher:  NewEnricher(links, nil, nil),
		Validator: NewValidator("mail.google.com"),
		Clock:     clock.At(now),
		Counters:  metrics.NewCounters(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func classified(id, from, subject, snippet string, typ domain.EmailType, imp domain.Importance) domain.ClassifiedEmail {
	return domain.ClassifiedEmail{
		Email: domain.EmailInput{ID: id, From: from, Subject: subject, Snippet: snippet},
		Classification: domain.Classification{
			MessageID:   id,
			Type:        typ,
			TypeConf:    0.95,
			Attention:   domain.AttentionNone,
			Importance:  imp,
			ClientLabel: domain.LabelEverythingElse,
			Decider:     domain.DeciderLLM,
		},
	}
}

func TestOTPNeverInDigest(t *testing.T) {
	svc := testService(t, "2025-11-10T12:00:00Z")

	otp := classified("m-otp", "security@bank.example",
		"Your verification code is 123456", "Do not share",
		domain.TypeOTP, domain.ImportanceCritical)
	otp.Classification.ClientLabel = domain.LabelActionRequired
	otp.Classification.Decider = domain.DeciderDetector

	res, err := svc.Run(context.Background(), "u1", "s1", []domain.ClassifiedEmail{otp}, "UTC", nil)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(res.HTML, "123456") {
		t.Error("digest leaked the one-time code")
	}
	for _, s := range domain.RenderedSections {
		if res.SectionIndex[s] != 0 {
			t.Errorf("otp appeared in section %s", s)
		}
	}
}

func TestEventSectionAcrossNows(t *testing.T) {
	event := classified("m-ev", "friend@mail.example",
		"Dinner @ Fri Nov 21, 2025 6:30pm", "See you there",
		domain.TypeEvent, domain.ImportanceTimeSensitive)

	tests := []struct {
		now  string
		want domain.Section
	}{
		{"2025-11-10T12:00:00Z", domain.SectionWorthKnowing},
		{"2025-11-20T12:00:00Z", domain.SectionComingUp},
		{"2025-11-21T18:00:00Z", domain.SectionCritical},
	}

	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			svc := testService(t, tt.now)
			res, err := svc.Run(context.Background(), "u1", "s-"+tt.now, []domain.ClassifiedEmail{event}, "UTC", nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.SectionIndex[tt.want] != 1 {
				t.Errorf("section_index = %v, want one card in %s", res.SectionIndex, tt.want)
			}
		})
	}
}

func TestRenderIsByteStable(t *testing.T) {
	messages := []domain.ClassifiedEmail{
		classified("m1", "friend@mail.example", "Dinner @ Fri Nov 21, 2025 6:30pm", "See you",
			domain.TypeEvent, domain.ImportanceTimeSensitive),
		classified("m2", "shop@store.example", "Order confirmation", "Order #A-1 total $12.00 due",
			domain.TypeReceipt, domain.ImportanceRoutine),
		classified("m3", "carrier@ship.example", "Package shipped", "Tracking number 123456789012 via UPS",
			domain.TypeNotification, domain.ImportanceTimeSensitive),
	}

	var first string
	for i := 0; i < 5; i++ {
		svc := testService(t, "2025-11-10T12:00:00Z")
		res, err := svc.Run(context.Background(), "u1", "same-session", messages, "UTC", nil)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = res.HTML
			continue
		}
		if res.HTML != first {
			t.Fatalf("render differs between runs:\n%s\n----\n%s", first, res.HTML)
		}
	}
}

func TestHTMLInjectionIsEscaped(t *testing.T) {
	svc := testService(t, "2025-11-10T12:00:00Z")

	evil := classified("m-x", "<script>alert(1)</script>@evil.example",
		`Meeting <script>alert("xss")</script> Nov 21, 2025 3pm`, "details",
		domain.TypeEvent, domain.ImportanceTimeSensitive)

	res, err := svc.Run(context.Background(), "u1", "s-x", []domain.ClassifiedEmail{evil}, "UTC", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.HTML, "<script") {
		t.Errorf("unescaped script tag in output:\n%s", res.HTML)
	}
}

func TestPerSenderCardCap(t *testing.T) {
	var messages []domain.ClassifiedEmail
	for i := 0; i < 6; i++ {
		m := classified(
			"m-"+string(rune('a'+i)), "noisy@deals.example",
			"Sale ends Dec 1, 2025 save 30% off deal "+string(rune('a'+i)), "promo deal",
			domain.TypePromotion, domain.ImportanceRoutine)
		messages = append(messages, m)
	}

	svc := testService(t, "2025-11-10T12:00:00Z")
	res, err := svc.Run(context.Background(), "u1", "s-cap", messages, "UTC", nil)
	if err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, n := range map[domain.Section]int(res.SectionIndex) {
		total += n
	}
	if total < perSenderCardCap {
		t.Fatalf("expected extracted promos, section_index %v", res.SectionIndex)
	}
	cards := strings.Count(res.HTML, "<li id=\"card-")
	if cards > perSenderCardCap {
		t.Errorf("rendered %d cards from one sender, cap %d", cards, perSenderCardCap)
	}
}

func TestSingleFlightCoalesces(t *testing.T) {
	svc := testService(t, "2025-11-10T12:00:00Z")
	messages := []domain.ClassifiedEmail{
		classified("m1", "a@b.example", "Dinner Nov 21, 2025 6pm", "", domain.TypeEvent, domain.ImportanceTimeSensitive),
	}

	const parallel = 8
	results := make([]*Result, parallel)
	errs := make([]error, parallel)
	done := make(chan int, parallel)
	for i := 0; i < parallel; i++ {
		go func(i int) {
			results[i], errs[i] = svc.Run(context.Background(), "u1", "shared", messages, "UTC", nil)
			done <- i
		}(i)
	}
	for i := 0; i < parallel; i++ {
		<-done
	}

	for i := 0; i < parallel; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if results[i].HTML != results[0].HTML {
			t.Fatalf("run %d diverged", i)
		}
	}
	if got := svc.counters.Get(metrics.CounterDigestRuns); got > parallel {
		t.Errorf("digest executed %d times", got)
	}
}

func TestValidatorCatchesForeignLink(t *testing.T) {
	v := NewValidator("mail.google.com")

	good := `<section class="today"><h2>Today (1)</h2><li id="card-1"><a href="https://mail.google.com/mail/u/0/#all/x">t</a> <span class="ref">(1)</span></li></section>`
	if err := v.Validate(good); err != nil {
		t.Errorf("valid html rejected: %v", err)
	}

	bad := strings.Replace(good, "mail.google.com", "evil.example", 1)
	if err := v.Validate(bad); err == nil {
		t.Error("foreign link accepted")
	}

	insecure := strings.Replace(good, "https://", "http://", 1)
	if err := v.Validate(insecure); err == nil {
		t.Error("non-https link accepted")
	}
}

func TestValidatorCatchesDanglingReference(t *testing.T) {
	v := NewValidator("mail.google.com")
	html := `<section class="today"><h2>Today (0)</h2><span class="ref">(7)</span></section>`
	if err := v.Validate(html); err == nil {
		t.Error("dangling reference accepted")
	}
}

func TestRelativeTimeLabel(t *testing.T) {
	now := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(30 * time.Minute), "in 30 minutes"},
		{now.Add(6 * time.Hour), "today 6pm"},
		{now.Add(30 * time.Hour), "tomorrow 6pm"},
		{now.Add(4 * 24 * time.Hour), "Fri 12pm"},
		{now.Add(30 * 24 * time.Hour), "Dec 10"},
		{now.Add(-2 * time.Hour), "2 hours ago"},
	}

	for _, tt := range tests {
		if got := RelativeTimeLabel(tt.t, now, time.UTC); got != tt.want {
			t.Errorf("RelativeTimeLabel(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestFallbackRenderIsSafe(t *testing.T) {
	html := RenderFallback("<script>hi</script>", map[domain.Section]int{domain.SectionToday: 2})
	if strings.Contains(html, "<script>") {
		t.Error("fallback greeting not escaped")
	}
	if !strings.Contains(html, "Today: 2") {
		t.Errorf("fallback missing counts: %s", html)
	}
}
