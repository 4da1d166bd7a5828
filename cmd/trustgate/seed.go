package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/config"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo plans, providers and a test agent",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoPlans = []account.Plan{
	{
		ID:            "free",
		Name:          "Free",
		Tier:          auth.TierFree,
		DailyLimit:    100,
		RoutingFeePct: 2,
		Features:      []string{auth.FeatureRouting},
	},
	{
		ID:            "pro",
		Name:          "Pro",
		Tier:          "pro",
		DailyLimit:    10000,
		RoutingFeePct: 1,
		RateLimit:     600,
		Features:      []string{auth.FeatureRouting, auth.FeatureCustomWeights},
	},
}

type demoProvider struct {
	input provider.CreateProviderInput
	trust float64
}

var demoProviders = []demoProvider{
	{
		input: provider.CreateProviderInput{
			Name:          "Open-Meteo Weather",
			Category:      "weather",
			Endpoint:      "https://api.open-meteo.com/v1/forecast",
			PayoutAddress: "0x0000000000000000000000000000000000000001",
			PricingModel:  "free",
			UptimePercent: 99.9,
		},
		trust: 4.4,
	},
	{
		input: provider.CreateProviderInput{
			Name:          "Premium Weather",
			Category:      "weather",
			Endpoint:      "https://weather.example.com/v1/query",
			PayoutAddress: "0x0000000000000000000000000000000000000002",
			PricingModel:  "per_request",
			BasePrice:     0.002,
			Currency:      "USDC",
			UptimePercent: 99.5,
		},
		trust: 4.1,
	},
	{
		input: provider.CreateProviderInput{
			Name:          "Frankfurter FX",
			Category:      "fx-rates",
			Endpoint:      "https://api.frankfurter.app/latest",
			PayoutAddress: "0x0000000000000000000000000000000000000003",
			PricingModel:  "free",
			UptimePercent: 99.0,
		},
		trust: 3.8,
	},
	{
		input: provider.CreateProviderInput{
			Name:          "HTTPBin Echo",
			Category:      "echo",
			Endpoint:      "https://httpbin.org/anything",
			PayoutAddress: "0x0000000000000000000000000000000000000004",
			PricingModel:  "per_request",
			BasePrice:     0.0005,
			Currency:      "USDC",
			UptimePercent: 98.0,
		},
		trust: 3.5,
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	providerStore := provider.NewStore(pool)
	providerService := provider.NewService(providerStore)
	accountStore := account.NewStore(pool)

	// Check if seed has already run.
	existing, _, err := providerService.List(ctx, provider.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing providers: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	for _, p := range demoPlans {
		if _, err := accountStore.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("creating plan %q: %w", p.ID, err)
		}
		slog.Info("upserted plan", "id", p.ID, "tier", p.Tier)
	}

	for _, dp := range demoProviders {
		p, err := providerService.Create(ctx, dp.input)
		if err != nil {
			return fmt.Errorf("creating provider %q: %w", dp.input.Name, err)
		}
		if err := providerStore.SetTrustScore(ctx, p.ID, dp.trust); err != nil {
			return fmt.Errorf("setting trust score of %q: %w", p.Name, err)
		}
		slog.Info("created provider", "name", p.Name, "id", p.ID, "category", p.Category)
	}

	acct, err := accountStore.CreateAccount(ctx, account.CreateAccountInput{Name: "demo", PlanID: "pro"})
	if err != nil {
		return fmt.Errorf("creating demo account: %w", err)
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	ag, err := accountStore.CreateAgent(ctx, account.CreateAgentInput{
		AccountID:    acct.ID,
		Name:         "demo-agent",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo agent: %w", err)
	}

	slog.Info("created demo agent", "id", ag.ID, "name", ag.Name, "account_id", acct.ID)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Plans:     %d\n", len(demoPlans))
	fmt.Printf("Providers: %d registered\n", len(demoProviders))
	fmt.Printf("Account:   %s (%s, plan pro)\n", acct.Name, acct.ID)
	fmt.Printf("Agent:     %s (%s)\n", ag.Name, ag.ID)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl 'http://localhost:8080/api/v1/providers?category=weather'\n")
	fmt.Printf("  curl -X POST -H 'Authorization: Bearer %s' -d '{\"payload\":{\"latitude\":52.5,\"longitude\":13.4}}' http://localhost:8080/api/v1/route/weather\n", plaintext)

	return nil
}
