package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/stagecrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/stagecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/stagecrawler/internal/headless/detector"
	"github.com/JakeFAU/stagecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// setupFetcher builds rate limit -> instrumentation -> router(colly, chromedp).
// The browser is only started when the default fetcher is headless, a stage
// asks for one, or promotion is enabled.
func setupFetcher(app *App) (stage.Fetcher, error) {
	cfg := app.cfg.Fetcher
	logger := app.logger.Named("fetcher")

	plain := stage.Fetcher(collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.Timeout,
	}, logger.Named("colly")))

	var headless stage.Fetcher = headlessfetcher.NewNoop()
	if cfg.Kind == config.FetcherHeadless || cfg.Headless.Promote || anyHeadlessStage(app.cfg.Stages) {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Screenshot:        cfg.Headless.Screenshot,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = h
		headless = h
		logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}
	if cfg.Kind == config.FetcherHeadless {
		plain = headless
	}
	logger.Info("fetcher configured",
		zap.String("kind", cfg.Kind),
		zap.String("user_agent", cfg.UserAgent),
		zap.Bool("respect_robots", cfg.RespectRobots),
		zap.Duration("timeout", cfg.Timeout),
	)

	router := fetcher.Router{Plain: plain, Headless: headless, Logger: logger}
	if cfg.Headless.Promote && cfg.Kind != config.FetcherHeadless {
		router.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
		logger.Info("headless promotion enabled", zap.Int("threshold", cfg.Headless.PromotionThreshold))
	}

	var f stage.Fetcher = fetcher.Instrument(router, logger)
	if cfg.RateLimitPerDomain > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimitPerDomain,
			DefaultBurst: cfg.RateLimitBurst,
		})
		f = limiter.Fetcher(f)
		logger.Info("per-domain rate limit enabled",
			zap.Float64("rps", cfg.RateLimitPerDomain),
			zap.Int("burst", cfg.RateLimitBurst),
		)
	}
	return f, nil
}

func anyHeadlessStage(stages []config.StageConfig) bool {
	for _, s := range stages {
		if s.Headless {
			return true
		}
	}
	return false
}
