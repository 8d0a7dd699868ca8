// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Protocol policy knobs. IssuerCap bounds how many distinct issuers a
	// single top-level origin may associate with; MaxRedirects bounds
	// redirect re-entry per operation.
	IssuerCap           int
	MaxRedirects        int
	MaxSigningDataBytes int
	StrictSigning       bool

	// Optional YAML file of key commitments loaded at startup.
	CommitmentSeedFile string

	// Redis & Postgres (durable token/record state; in-memory when unset)
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	loadDotEnv()
	cfg := Config{
		Env:                 env("TRUSTTOKEN_ENV", "dev"),
		HTTPAddr:            env("TRUSTTOKEN_HTTP_ADDR", ":8080"),
		IssuerCap:           envInt("TRUSTTOKEN_ISSUER_CAP", 2),
		MaxRedirects:        envInt("TRUSTTOKEN_MAX_REDIRECTS", 20),
		MaxSigningDataBytes: envInt("TRUSTTOKEN_MAX_SIGNING_BYTES", 2048),
		StrictSigning:       envBool("TRUSTTOKEN_STRICT_SIGNING", false),
		CommitmentSeedFile:  env("TRUSTTOKEN_COMMITMENT_SEED", ""),
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
	}
	if cfg.RedisURL == "" && cfg.DatabaseURL == "" {
		log.Println("[WARN] neither REDIS_URL nor DATABASE_URL set, token state is in-memory only")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
