package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the agentcloud server.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Auth
	JWTSecret string // Shared secret for machine-scoped JWTs

	// NATS (optional — outbox wake channel and lifecycle event mirror)
	NATSURL string

	// Redis (optional — machine daemon-status registry)
	RedisURL string

	// Base URL machines use to reach this control plane
	APIBaseURL string

	// Egress proxy injected into machine environments (empty = direct egress)
	EgressProxyURL string

	// Provider credentials
	DaytonaAPIURL string // e.g. "https://app.daytona.io/api"
	DaytonaAPIKey string
	DockerHost    string // Docker Engine API address, e.g. "http://localhost:2375"
	DockerImage   string // image used for docker-provisioned machines

	// Default provider for new machines ("daytona" or "docker")
	DefaultProvider string

	// Outbox dispatcher
	OutboxPollIntervalSec int // seconds between outbox polls, default 2
	OutboxMaxAttempts     int // retry budget before an event is dead-lettered, default 5

	// Readiness probe phase budgets (seconds)
	ProbeSendTimeoutSec  int // per send attempt, default 10
	ProbeSendDeadlineSec int // whole send phase, default 45
	ProbePollDeadlineSec int // whole poll phase, default 120

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names (e.g. AGENTCLOUD_JWT_SECRET). Env vars take precedence.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If AGENTCLOUD_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("AGENTCLOUD_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("AGENTCLOUD_API_KEY"),
		LogLevel: envOrDefault("AGENTCLOUD_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("AGENTCLOUD_DATABASE_URL", os.Getenv("DATABASE_URL")),
		JWTSecret:   os.Getenv("AGENTCLOUD_JWT_SECRET"),
		NATSURL:     os.Getenv("AGENTCLOUD_NATS_URL"),
		RedisURL:    os.Getenv("AGENTCLOUD_REDIS_URL"),

		APIBaseURL:     envOrDefault("AGENTCLOUD_API_BASE_URL", "http://localhost:8080"),
		EgressProxyURL: os.Getenv("AGENTCLOUD_EGRESS_PROXY_URL"),

		DaytonaAPIURL: envOrDefault("AGENTCLOUD_DAYTONA_API_URL", "https://app.daytona.io/api"),
		DaytonaAPIKey: os.Getenv("AGENTCLOUD_DAYTONA_API_KEY"),
		DockerHost:    envOrDefault("AGENTCLOUD_DOCKER_HOST", "http://localhost:2375"),
		DockerImage:   envOrDefault("AGENTCLOUD_DOCKER_IMAGE", "agentcloud/machine:latest"),

		DefaultProvider: envOrDefault("AGENTCLOUD_DEFAULT_PROVIDER", "daytona"),

		OutboxPollIntervalSec: envOrDefaultInt("AGENTCLOUD_OUTBOX_POLL_INTERVAL_SEC", 2),
		OutboxMaxAttempts:     envOrDefaultInt("AGENTCLOUD_OUTBOX_MAX_ATTEMPTS", 5),

		ProbeSendTimeoutSec:  envOrDefaultInt("AGENTCLOUD_PROBE_SEND_TIMEOUT_SEC", 10),
		ProbeSendDeadlineSec: envOrDefaultInt("AGENTCLOUD_PROBE_SEND_DEADLINE_SEC", 45),
		ProbePollDeadlineSec: envOrDefaultInt("AGENTCLOUD_PROBE_POLL_DEADLINE_SEC", 120),

		SecretsARN: os.Getenv("AGENTCLOUD_SECRETS_ARN"),
	}

	if portStr := os.Getenv("AGENTCLOUD_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENTCLOUD_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
