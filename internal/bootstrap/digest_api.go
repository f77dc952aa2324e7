package bootstrap

import (
	"os"

	apihttp "digest_server/adapter/in/http"
	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/infra/middleware"
	"digest_server/pkg/hygiene"
	"digest_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// NewAPI builds the fiber app and its route table.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{Level: logLevel, Service: "digestd"})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             5 * 1024 * 1024,
		ServerHeader:          "",
		DisableKeepalive:      false,
	})

	// Global middleware stack (order matters).
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	// CORS is a whitelist; Origin is never authentication.
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.AllowedOrigins),
		AllowHeaders: "Authorization, Content-Type, X-User-ID, X-Request-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	classifyHandler := apihttp.NewClassifyHandler(deps.Pool, deps.Dedupe, cfg, verifyFunc(deps))
	digestHandler := apihttp.NewDigestHandler(deps.Digest, cfg)
	feedbackHandler := apihttp.NewFeedbackHandler(deps.Learner)
	adminHandler := apihttp.NewAdminHandler(apihttp.AdminDeps{
		Config:   cfg,
		Policy:   deps.Policy,
		Features: deps.Features,
		LLM:      deps.LLM,
		Storage:  deps.Store,
		Rules:    deps.Rules,
		Counters: deps.Counters,
	})

	// Public, unauthenticated.
	app.Get("/health", adminHandler.Health)

	// Caller-authenticated, admission-gated.
	auth := middleware.CallerAuth(cfg)
	app.Post("/classify", auth,
		middleware.BatchCeiling(cfg.MaxEmailsPerBatch, classifyHandler.EmailCount),
		middleware.Admission(deps.Limiter, cfg, deps.Counters, classifyHandler.EmailCount),
		classifyHandler.Classify)
	app.Post("/verify", auth,
		middleware.Admission(deps.Limiter, cfg, deps.Counters, nil),
		classifyHandler.Verify)
	app.Post("/digest", auth,
		middleware.Admission(deps.Limiter, cfg, deps.Counters, digestHandler.EmailCount),
		digestHandler.Generate)
	app.Post("/feedback", auth,
		middleware.Admission(deps.Limiter, cfg, deps.Counters, nil),
		feedbackHandler.Submit)
	app.Get("/config/confidence", auth, adminHandler.Confidence)

	// Admin bearer.
	admin := middleware.AdminAuth(cfg)
	app.Get("/features", admin, adminHandler.Features)
	app.Post("/features/:name/:action", admin, adminHandler.ToggleFeature)
	app.Get("/admin/rules/:user_id", admin, adminHandler.ListRules)
	app.Get("/admin/metrics", admin, adminHandler.Metrics)

	return app, cleanup, nil
}

// verifyFunc adapts the verifier for the internal /verify endpoint.
func verifyFunc(deps *Dependencies) apihttp.VerifyFunc {
	san := hygiene.New(1200)
	return func(c *fiber.Ctx, userID string, email domain.EmailInput, original domain.Classification) (any, error) {
		sanitized := out.SanitizedEmail{
			MessageID: email.ID,
			From:      san.CleanTo(email.From, 200),
			Subject:   san.CleanTo(email.Subject, 300),
			Snippet:   san.Clean(email.Snippet),
		}
		verdict, err := deps.LLM.VerifyClassification(c.Context(), userID, sanitized, original)
		if err != nil {
			return nil, err
		}
		resp := fiber.Map{
			"verdict":    verdict.Verdict,
			"confidence": verdict.Confidence,
		}
		if verdict.Correction != nil {
			resp["correction"] = fiber.Map{
				"type":      verdict.Correction.Type,
				"type_conf": verdict.Correction.TypeConf,
				"reason":    verdict.Correction.Reason,
			}
		}
		return resp, nil
	}
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ", "
		}
		out += o
	}
	return out
}

// zerologFor builds the zerolog logger the worker pool uses.
func zerologFor(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "digestd").Logger()
}
