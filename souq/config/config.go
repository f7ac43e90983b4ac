package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	MaxConns   int
	LogDir     string
	JWTSecret  string
	// subjects allowed to read request logs and transcripts
	AdminUsers []string
	// host patterns the widget websocket accepts as Origin
	WSOrigins []string

	GatewayURL    string
	GatewayAPIKey string
	Model         string
	PromptsFile   string

	// used by the CLI client
	ChatEndpoint string
	ChatToken    string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// LoadConfig reads .env (if present) and then the process environment.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8000"),
		MaxConns:   getEnvInt("MAX_CONNS", 256),
		LogDir:     getEnv("LOG_DIR", "./logs"),
		JWTSecret:  getEnv("JWT_SECRET", ""),
		AdminUsers: getEnvList("ADMIN_USERS"),
		WSOrigins:  getEnvList("WS_ORIGINS"),

		GatewayURL:    getEnv("AI_GATEWAY_URL", "https://api.openai.com/v1/chat/completions"),
		GatewayAPIKey: getEnv("AI_GATEWAY_API_KEY", ""),
		Model:         getEnv("AI_MODEL", "gpt-4o-mini"),
		PromptsFile:   getEnv("PROMPTS_FILE", ""),

		ChatEndpoint: getEnv("CHAT_ENDPOINT", "http://localhost:8000/chat"),
		ChatToken:    getEnv("CHAT_TOKEN", ""),

		DBUser:     getEnv("DB_USER", ""),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBName:     getEnv("DB_NAME", ""),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "chat-transcripts"),
		MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),
	}
}

func (c Config) DatabaseEnabled() bool { return c.DBHost != "" }

func (c Config) ArchiveEnabled() bool { return c.MinIOEndpoint != "" }

func (c Config) GatewayConfigured() bool { return c.GatewayURL != "" && c.GatewayAPIKey != "" }

func (c Config) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	for _, admin := range c.AdminUsers {
		if admin == userID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// getEnvList splits a comma separated variable, skipping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}
