package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MemoryMode selects which long-term memory strategy the orchestrator is
// built with. It is read once at startup; the orchestrator never consults
// the environment again.
type MemoryMode string

const (
	// MemoryModeRecall exposes a memory index and a recall tool; the agent
	// decides what to retrieve mid-generation.
	MemoryModeRecall MemoryMode = "recall"
	// MemoryModeAuto runs a policy before each turn that injects up to
	// MemoryMaxInject fragments into the prompt.
	MemoryModeAuto MemoryMode = "auto"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	AgentsDir string
	WebDir    string

	LLMProvider  string
	LLMModel     string
	LLMFastModel string
	LLMAPIKey    string

	UserName string

	MemoryMode      MemoryMode
	MemoryMaxInject int
	MemoryCooldown  int

	FollowUpRounds  int
	MaxTotalTurns   int
	ContextWindow   int
	ContextBudget   int
	SchedulerEvery  time.Duration
	ActivityWindow  time.Duration
	MaxActiveRooms  int
	AppendRetries   int
	SessionAttempts int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("GO_ROOMS_DATA_DIR", "data")
	return Config{
		HTTPAddr:  getEnv("GO_ROOMS_HTTP_ADDR", ":8080"),
		DataDir:   dataDir,
		DBPath:    getEnv("GO_ROOMS_DB_PATH", filepath.Join(dataDir, "go-rooms.db")),
		AgentsDir: getEnv("GO_ROOMS_AGENTS_DIR", "agents"),
		WebDir:    getEnv("GO_ROOMS_WEB_DIR", "web"),

		LLMProvider:  getEnv("GO_ROOMS_LLM_PROVIDER", "anthropic"),
		LLMModel:     getEnv("GO_ROOMS_LLM_MODEL", ""),
		LLMFastModel: getEnv("GO_ROOMS_LLM_FAST_MODEL", "fast"),
		LLMAPIKey:    getEnv("GO_ROOMS_LLM_API_KEY", ""),

		UserName: getEnv("GO_ROOMS_USER_NAME", "User"),

		MemoryMode:      memoryMode(getEnv("GO_ROOMS_MEMORY_MODE", string(MemoryModeRecall))),
		MemoryMaxInject: getEnvInt("GO_ROOMS_MEMORY_MAX_INJECT", 3),
		MemoryCooldown:  getEnvInt("GO_ROOMS_MEMORY_COOLDOWN", 10),

		FollowUpRounds:  getEnvInt("GO_ROOMS_FOLLOW_UP_ROUNDS", 5),
		MaxTotalTurns:   getEnvInt("GO_ROOMS_MAX_TOTAL_TURNS", 30),
		ContextWindow:   getEnvInt("GO_ROOMS_CONTEXT_WINDOW", 20),
		ContextBudget:   getEnvInt("GO_ROOMS_CONTEXT_BUDGET", 16384),
		SchedulerEvery:  getEnvDuration("GO_ROOMS_SCHEDULER_EVERY", 2*time.Second),
		ActivityWindow:  getEnvDuration("GO_ROOMS_ACTIVITY_WINDOW", 5*time.Minute),
		MaxActiveRooms:  getEnvInt("GO_ROOMS_MAX_ACTIVE_ROOMS", 5),
		AppendRetries:   getEnvInt("GO_ROOMS_APPEND_RETRIES", 1),
		SessionAttempts: getEnvInt("GO_ROOMS_SESSION_ATTEMPTS", 3),
	}
}

func memoryMode(value string) MemoryMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(MemoryModeAuto), "brain", "automatic":
		return MemoryModeAuto
	default:
		return MemoryModeRecall
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
