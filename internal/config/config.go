// Package config builds the process configuration from the environment.
// The environment is read exactly once, at startup; every component takes
// the resulting Config value and never touches os.Getenv afterwards.
package config

import (
	"os"
	"strconv"
)

// PayOn selects which GitHub signal releases payment for a linked job.
type PayOn string

const (
	PayOnChecksSuccess PayOn = "checks_success"
	PayOnMerge         PayOn = "merge"
)

type Config struct {
	Port          int
	SpectatorPort int

	StartingCredits int64

	WorkerStakePct       float64
	WorkerSlashPct       float64
	NegotiationMaxRounds int

	// DefaultTimeoutSeconds is used when an awarded job's payload carries no
	// finite positive timeoutSeconds.
	DefaultTimeoutSeconds float64

	DatabaseURL string

	GithubWebhookSecret string
	GithubPayOn         PayOn
}

// FromEnv reads the SYNAPSE_* environment and fills in defaults.
func FromEnv() Config {
	cfg := Config{
		Port:                  envInt("SYNAPSE_PORT", 8787),
		SpectatorPort:         envInt("SYNAPSE_SPECTATOR_PORT", 8790),
		StartingCredits:       int64(envInt("SYNAPSE_STARTING_CREDITS", 1000)),
		WorkerStakePct:        envFloat("SYNAPSE_WORKER_STAKE_PCT", 0.05),
		WorkerSlashPct:        envFloat("SYNAPSE_WORKER_SLASH_PCT", 0.5),
		NegotiationMaxRounds:  envInt("SYNAPSE_NEGOTIATION_MAX_ROUNDS", 3),
		DefaultTimeoutSeconds: 900,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		GithubWebhookSecret:   os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GithubPayOn:           PayOnChecksSuccess,
	}
	if v := os.Getenv("SYNAPSE_GH_PAY_ON"); v == string(PayOnMerge) {
		cfg.GithubPayOn = PayOnMerge
	}
	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
