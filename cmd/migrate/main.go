// Command migrate applies the Postgres schema and optionally seeds platform
// settings, inference tokens and business credit balances. With
// STORE_BACKEND=mongo and no DATABASE_URL only the credit top-ups apply.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fitpipe/internal/adapter/repo"
	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/infra/credentials"
	"fitpipe/internal/sqlinline"
)

type topUps []string

func (t *topUps) String() string     { return strings.Join(*t, ",") }
func (t *topUps) Set(v string) error { *t = append(*t, v); return nil }

func main() {
	_ = godotenv.Load()

	seedSettings := flag.Bool("seed-settings", false, "write IMAGE_TOKEN_PRICE/VIDEO_TOKEN_PRICE to platform_settings")
	gradioToken := flag.String("gradio-token", "", "store an inference access token")
	gradioSpace := flag.String("gradio-space", "", "scope -gradio-token to one space (owner/name); empty sets the default")
	gradioExpires := flag.Duration("gradio-token-ttl", 0, "expire -gradio-token after this long; 0 never expires")
	var credits topUps
	flag.Var(&credits, "credit", "top up an account, business[:customer]=amount (repeatable)")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "migrate")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.DatabaseURL == "" {
		if cfg.StoreBackend != "mongo" {
			logger.Fatal().Msg("migrate: DATABASE_URL is required")
		}
		client, err := repo.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate: mongo connection failed")
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		if *seedSettings || strings.TrimSpace(*gradioToken) != "" {
			logger.Warn().Msg("migrate: settings and tokens live in Postgres, skipped without DATABASE_URL")
		}
		applyCredits(ctx, repo.NewCreditLedgerMongo(client.Database(cfg.MongoDatabase)), credits, logger)
		return
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	if _, err := runner.Exec(ctx, sqlinline.QSchema); err != nil {
		logger.Fatal().Err(err).Msg("migrate: apply schema failed")
	}
	logger.Info().Msg("migrate: schema applied")

	if *seedSettings {
		settings := domain.PlatformSettings{ImageTokenPrice: cfg.ImageTokenPrice, VideoTokenPrice: cfg.VideoTokenPrice}
		if err := repo.NewSettingsRepository(runner, settings).Save(ctx, settings); err != nil {
			logger.Fatal().Err(err).Msg("migrate: seed settings failed")
		}
		logger.Info().Int64("image_token_price", settings.ImageTokenPrice).Int64("video_token_price", settings.VideoTokenPrice).Msg("migrate: settings seeded")
	}

	if strings.TrimSpace(*gradioToken) != "" {
		var expires time.Time
		if *gradioExpires > 0 {
			expires = time.Now().Add(*gradioExpires)
		}
		if err := credentials.NewStore(runner).SetGradioToken(ctx, *gradioSpace, *gradioToken, expires); err != nil {
			logger.Fatal().Err(err).Msg("migrate: store gradio token failed")
		}
		logger.Info().Str("space", *gradioSpace).Msg("migrate: gradio token stored")
	}

	applyCredits(ctx, repo.NewCreditLedger(runner), credits, logger)
}

func applyCredits(ctx context.Context, ledger domain.CreditLedger, credits topUps, logger infra.Logger) {
	for _, raw := range credits {
		p, amount, err := parseTopUp(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(2)
		}
		acct, err := ledger.Credit(ctx, p, amount)
		if err != nil {
			logger.Fatal().Err(err).Str("business_id", p.BusinessID).Msg("migrate: credit top-up failed")
		}
		logger.Info().Str("business_id", p.BusinessID).Str("customer_id", p.CustomerID).Int64("balance", acct.Balance).Msg("migrate: account credited")
	}
}

// parseTopUp reads "business[:customer]=amount".
func parseTopUp(raw string) (domain.Principal, int64, error) {
	who, amountRaw, ok := strings.Cut(raw, "=")
	if !ok {
		return domain.Principal{}, 0, fmt.Errorf("credit %q: want business[:customer]=amount", raw)
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(amountRaw), 10, 64)
	if err != nil || amount <= 0 {
		return domain.Principal{}, 0, fmt.Errorf("credit %q: amount must be a positive integer", raw)
	}
	business, customer, _ := strings.Cut(who, ":")
	p := domain.Principal{BusinessID: strings.TrimSpace(business), CustomerID: strings.TrimSpace(customer)}
	if p.BusinessID == "" {
		return domain.Principal{}, 0, fmt.Errorf("credit %q: business id is required", raw)
	}
	return p, amount, nil
}
