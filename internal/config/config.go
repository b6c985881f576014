// Package config resolves service configuration from flags and environment
// variables, following the teacher's resolveX(flagValue, envKey) pattern
// from cmd/server/main.go (flags win when set, then environment, then a
// built-in default).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration for the service (§6).
type Config struct {
	Port string

	// PostgresDSN backs the MONGODB_URI setting name kept for interface
	// fidelity with the upstream tooling this service replaces (§9 Open
	// Question); it is parsed as a Postgres connection string.
	PostgresDSN string

	ExaAPIKey    string
	GoogleAPIKey string
	VectorURL    string
	LLMEndpoint  string
	LLMTimeout   time.Duration

	EnableDedup         bool
	EnableURLResolution bool

	RedisAddr string
}

// Flags mirrors the subset of fields a caller may also set via command-line
// flags before calling Resolve; empty strings and nil bools fall through to
// environment variables (a nil bool means the flag was not passed at all,
// which is distinct from an explicit -flag=false).
type Flags struct {
	Port                string
	EnableDedup         *bool
	EnableURLResolution *bool
}

// Resolve builds a Config from flags, falling back to environment
// variables and then built-in defaults, through the resolveString,
// resolveBool and resolveDuration helpers below.
func Resolve(flags Flags) Config {
	return Config{
		Port:                resolveString(flags.Port, "PORT", "8080"),
		PostgresDSN:         os.Getenv("MONGODB_URI"),
		ExaAPIKey:           os.Getenv("EXA_API_KEY"),
		GoogleAPIKey:        os.Getenv("GOOGLE_API_KEY"),
		VectorURL:           os.Getenv("VECTOR_URL"),
		LLMEndpoint:         resolveString("", "LLM_ENDPOINT", ""),
		LLMTimeout:          resolveDuration(0, "LLM_TIMEOUT", 10*time.Second),
		EnableDedup:         resolveBool(flags.EnableDedup, "ENABLE_DEDUP", true),
		EnableURLResolution: resolveBool(flags.EnableURLResolution, "ENABLE_URL_RESOLUTION", false),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
	}
}

// Validate rejects a Config missing required credentials (§6:
// EXA_API_KEY is always required; GOOGLE_API_KEY is required whenever
// dedup is enabled). Callers are expected to treat a non-nil error as fatal
// and exit before wiring any collaborator that needs the missing
// credential.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ExaAPIKey) == "" {
		return fmt.Errorf("EXA_API_KEY is required")
	}
	if c.EnableDedup && strings.TrimSpace(c.GoogleAPIKey) == "" {
		return fmt.Errorf("GOOGLE_API_KEY is required when dedup is enabled")
	}
	return nil
}

func resolveString(flagValue, envKey, fallback string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := os.Getenv(envKey); env != "" {
		return env
	}
	return fallback
}

func resolveBool(flagValue *bool, envKey string, fallback bool) bool {
	if flagValue != nil {
		return *flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
