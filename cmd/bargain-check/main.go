package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/config"
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/infra"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/faredown/bargain/internal/offerability"
	"github.com/faredown/bargain/internal/policy"
	"github.com/faredown/bargain/internal/scoring"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Component struct {
	Name string
	Test func(ctx context.Context) error
}

type checker struct {
	cfg    *config.Config
	signer capsule.Signer
	source policy.Source
}

func main() {
	configPath := flag.String("config", os.Getenv("BARGAIN_CONFIG"), "path to YAML config")
	flag.Parse()
	_ = godotenv.Load()

	fmt.Println("\033[96mBargain Engine - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	c := &checker{}
	if err := c.loadConfig(*configPath); err != nil {
		fmt.Printf("Checking %-28s \033[31m[FAIL]\033[0m\n  >> Error: %v\n", "Configuration...", err)
		os.Exit(1)
	}

	components := []Component{
		{"Configuration", func(context.Context) error { return c.cfg.Validate() }},
		{"Signing Key", c.checkSigner},
		{"Fast Cache (Redis)", c.checkRedis},
		{"Durable Store (Postgres)", c.checkPostgres},
		{"Active Policy", c.checkPolicy},
		{"Sample Negotiation", c.checkNegotiation},
	}

	failed := 0
	for _, comp := range components {
		fmt.Printf("Checking %-28s ", comp.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := comp.Test(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready to negotiate.\033[0m")
}

func (c *checker) loadConfig(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *checker) checkSigner(context.Context) error {
	s, err := capsule.NewSigner(c.cfg.Signing.Algorithm, []byte(c.cfg.Signing.Secret), c.cfg.Signing.KeyID)
	if err != nil {
		return err
	}
	c.signer = s
	if pub := s.PublicKey(); pub != "" {
		fmt.Printf("(key %s, public %s) ", s.KeyID(), pub)
	}
	return nil
}

func (c *checker) checkRedis(ctx context.Context) error {
	if c.cfg.Redis.Addr == "" {
		fmt.Print("(disabled) ")
		return nil
	}
	rdb, err := infra.NewGoRedisAdapter(ctx, infra.RedisOptions{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	return rdb.Close()
}

func (c *checker) checkPostgres(ctx context.Context) error {
	if c.cfg.Postgres.DSN == "" {
		fmt.Print("(disabled) ")
		return nil
	}
	db, err := infra.OpenPostgres(ctx, infra.PostgresOptions{DSN: c.cfg.Postgres.DSN, MaxOpenConns: 1})
	if err != nil {
		return err
	}
	c.source = policy.NewPostgresSource(db)
	return nil
}

func (c *checker) checkPolicy(ctx context.Context) error {
	if c.source == nil {
		fmt.Printf("(%s) ", policy.DefaultVersion)
		return nil
	}
	p, err := c.source.LoadActive(ctx)
	if errors.Is(err, policy.ErrNoActivePolicy) {
		fmt.Printf("(none active, %s) ", policy.DefaultVersion)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("(%s) ", p.Version)
	return nil
}

func (c *checker) checkNegotiation(ctx context.Context) error {
	if c.signer == nil {
		return errors.New("no signer")
	}
	store := policy.NewStore(nil, nil, policy.Options{})
	orch := negotiation.NewOrchestrator(store, offerability.NewGenerator(),
		scoring.NewEngine(nil), capsule.NewCapsuleSigner(c.signer), nil)

	out, err := orch.Negotiate(ctx, core.Session{
		SessionID:         "preflight",
		CanonicalKey:      "hotel:PREFLIGHT:2025-10-01",
		DisplayedPriceUsd: decimal.NewFromInt(200),
		TrueCostUsd:       decimal.NewFromInt(150),
	})
	if err != nil {
		return err
	}
	if !out.Signed() {
		return fmt.Errorf("aborted: %s", out.Abort.Reason)
	}
	ok, err := capsule.NewVerifier(c.signer).Verify(out.Decision)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signed decision failed verification")
	}
	fmt.Printf("(%s at %s in %s) ", out.Chosen.Type, out.Chosen.Price.StringFixed(2), out.Elapsed.Round(time.Microsecond))
	return nil
}
