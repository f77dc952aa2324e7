package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"digest_server/config"
	"digest_server/pkg/clock"
	"digest_server/pkg/metrics"
	"digest_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

func batchApp(limiter *ratelimit.Limiter, ceiling int) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	cfg := &config.Config{Environment: "development"}
	counters := metrics.NewCounters()

	count := func(c *fiber.Ctx) int {
		var probe struct {
			Emails []json.RawMessage `json:"emails"`
		}
		if err := json.Unmarshal(c.Body(), &probe); err != nil {
			return 1
		}
		return len(probe.Emails)
	}

	app.Post("/classify",
		BatchCeiling(ceiling, count),
		Admission(limiter, cfg, counters, count),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func batchBody(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = `{"id":"m"}`
	}
	return `{"emails":[` + strings.Join(items, ",") + `]}`
}

func postBatch(t *testing.T, app *fiber.App, n int) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/classify", strings.NewReader(batchBody(n)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestBatchCeilingRejectsBeforeAdmission(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 100,
		EmailsPerMinute:   2,
		EmailsPerHour:     100,
		MaxTrackedIdents:  10,
	}, clock.At("2025-11-10T12:00:00Z"))
	app := batchApp(limiter, 2)

	// Ceiling+1 is InvalidInput with no side effects: the email budget (2 per
	// minute) must still be fully available afterwards.
	if code := postBatch(t, app, 3); code != fiber.StatusBadRequest {
		t.Fatalf("oversized batch status = %d, want 400", code)
	}
	if code := postBatch(t, app, 2); code != fiber.StatusOK {
		t.Fatalf("batch at ceiling status = %d, want 200 (budget was consumed by a rejected batch)", code)
	}
	// The budget is now genuinely spent.
	if code := postBatch(t, app, 1); code != fiber.StatusTooManyRequests {
		t.Fatalf("over-budget batch status = %d, want 429", code)
	}
}
