package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/af-corp/aegis-orchestrator/internal/auth"
	"github.com/af-corp/aegis-orchestrator/internal/config"
)

func main() {
	user := flag.String("user", "", "user ID the key authenticates as (required)")
	name := flag.String("name", "", "human-friendly key name (required)")
	premium := flag.Bool("premium", false, "premium users are never cost-optimized")
	platforms := flag.String("platforms", "", "comma-separated platforms the key may force (empty = all)")
	rpm := flag.Int("rpm", 0, "requests per minute (0 = gateway default)")
	budget := flag.Int64("budget", 0, "daily token budget (0 = gateway default)")
	env := flag.String("env", "prod", "environment prefix")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	configDir := flag.String("config", "configs", "configuration directory used when -db-url and DATABASE_URL are unset")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	flag.Parse()

	if *user == "" || *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -user and -name are required")
		os.Exit(1)
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	keyHash := auth.HashKey(rawKey)
	keyPrefix := auth.KeyPrefix(rawKey)

	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}
	expiresAt := time.Now().Add(dur)

	allowed, err := json.Marshal(splitList(*platforms))
	if err != nil {
		log.Fatalf("encode platforms: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, resolveDSN(*dbURL, *configDir))
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, user_id, name, premium, allowed_platforms, rpm_limit, daily_token_budget, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text
	`, keyHash, keyPrefix, *user, *name, *premium, allowed, positiveInt(*rpm), positiveInt64(*budget), expiresAt).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert key: %v", err)
	}

	fmt.Println("=== AEGIS API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:     %s\n", keyID)
	fmt.Printf("  Key Prefix: %s\n", keyPrefix)
	fmt.Printf("  User:       %s\n", *user)
	fmt.Printf("  Premium:    %v\n", *premium)
	if *platforms != "" {
		fmt.Printf("  Platforms:  %s\n", *platforms)
	}
	if *rpm > 0 {
		fmt.Printf("  RPM:        %d\n", *rpm)
	}
	if *budget > 0 {
		fmt.Printf("  Budget:     %d tokens/day\n", *budget)
	}
	fmt.Printf("  Expires:    %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("================================")
}

// resolveDSN prefers the flag, then DATABASE_URL, then the database section
// of gateway.yaml.
func resolveDSN(flagURL, configDir string) string {
	if flagURL != "" {
		return flagURL
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	cfg := config.DefaultConfig()
	if err := config.LoadFile(configDir+"/gateway.yaml", cfg); err != nil {
		log.Printf("using default database settings: %v", err)
	}
	return cfg.Database.DSN()
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func positiveInt(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func positiveInt64(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}
