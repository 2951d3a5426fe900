package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the configuration for the interview session client
type Config struct {
	// LiveKit configuration
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Call collaborator (scheduling + transcript REST API)
	CallAPIURL   string
	CallAPIToken string
	CallID       string
	UserID       string
	UserName     string

	// Recognition and segmentation services
	RecognitionURL string
	SegmenterURL   string

	// Optional transcript archive
	DatabaseURL string

	// Media
	Devices            string
	NegotiationTimeout time.Duration
	StatsInterval      time.Duration
	ChunkDuration      time.Duration
	FrameRate          int
	FrameWidth         int
	FrameHeight        int

	// Process
	ControlAddr     string
	LogLevel        string
	LogJSON         bool
	PProfAddr       string
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables and command line flags
func Load() (*Config, error) {
	return LoadFrom(os.Args[1:])
}

// LoadFrom loads configuration from environment variables and the given arguments
func LoadFrom(args []string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.Devices = "synthetic"
	cfg.NegotiationTimeout = 30 * time.Second
	cfg.StatsInterval = 2 * time.Second
	cfg.ChunkDuration = time.Second
	cfg.FrameRate = 30
	cfg.FrameWidth = 640
	cfg.FrameHeight = 480
	cfg.ControlAddr = "127.0.0.1:8787"
	cfg.LogLevel = "info"
	cfg.ShutdownTimeout = 10 * time.Second

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	// Load from environment
	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.CallAPIURL = getEnv("CALL_API_URL", "")
	cfg.CallAPIToken = getEnv("CALL_API_TOKEN", "")
	cfg.CallID = getEnv("CALL_ID", "")
	cfg.UserID = getEnv("USER_ID", "")
	cfg.UserName = getEnv("USER_NAME", cfg.UserID)
	cfg.RecognitionURL = getEnv("RECOGNITION_URL", "")
	cfg.SegmenterURL = getEnv("SEGMENTER_URL", "")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.Devices = getEnv("DEVICES", cfg.Devices)
	cfg.ControlAddr = getEnv("CONTROL_ADDR", cfg.ControlAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnv("LOG_JSON", "") == "true"
	cfg.PProfAddr = getEnv("PPROF_ADDR", "")

	cfg.NegotiationTimeout = getDuration("NEGOTIATION_TIMEOUT", cfg.NegotiationTimeout)
	cfg.StatsInterval = getDuration("STATS_INTERVAL", cfg.StatsInterval)
	cfg.ChunkDuration = getDuration("CHUNK_DURATION", cfg.ChunkDuration)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.FrameRate = getPositiveInt("FRAME_RATE", cfg.FrameRate)
	cfg.FrameWidth = getPositiveInt("FRAME_WIDTH", cfg.FrameWidth)
	cfg.FrameHeight = getPositiveInt("FRAME_HEIGHT", cfg.FrameHeight)

	// Override with flags
	fs := flag.NewFlagSet("coralie-interview-session", flag.ContinueOnError)
	fs.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	fs.StringVar(&cfg.LiveKitAPIKey, "api-key", cfg.LiveKitAPIKey, "LiveKit API key")
	fs.StringVar(&cfg.LiveKitAPISecret, "api-secret", cfg.LiveKitAPISecret, "LiveKit API secret")
	fs.StringVar(&cfg.CallAPIURL, "call-api", cfg.CallAPIURL, "Call API base URL")
	fs.StringVar(&cfg.CallAPIToken, "call-api-token", cfg.CallAPIToken, "Call API bearer token")
	fs.StringVar(&cfg.CallID, "call", cfg.CallID, "Call identifier to join")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "Current user identifier")
	fs.StringVar(&cfg.UserName, "user-name", cfg.UserName, "Current user display name")
	fs.StringVar(&cfg.RecognitionURL, "recognition-url", cfg.RecognitionURL, "Recognition service websocket URL")
	fs.StringVar(&cfg.SegmenterURL, "segmenter-url", cfg.SegmenterURL, "Segmentation service URL")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL for the transcript archive")
	fs.StringVar(&cfg.Devices, "devices", cfg.Devices, "Capture devices (synthetic or denied)")
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "Control API listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log as JSON")
	fs.StringVar(&cfg.PProfAddr, "pprof-addr", cfg.PProfAddr, "pprof HTTP server address")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "Time to wait for first remote media")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Connection quality sampling interval")
	fs.DurationVar(&cfg.ChunkDuration, "chunk-duration", cfg.ChunkDuration, "Audio chunk window")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.IntVar(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "Compositor frame rate")
	fs.IntVar(&cfg.FrameWidth, "frame-width", cfg.FrameWidth, "Capture frame width")
	fs.IntVar(&cfg.FrameHeight, "frame-height", cfg.FrameHeight, "Capture frame height")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.LiveKitURL == "" {
		return nil, fmt.Errorf("LIVEKIT_URL is required")
	}
	if cfg.LiveKitAPIKey == "" {
		return nil, fmt.Errorf("LIVEKIT_API_KEY is required")
	}
	if cfg.LiveKitAPISecret == "" {
		return nil, fmt.Errorf("LIVEKIT_API_SECRET is required")
	}
	if cfg.CallAPIURL == "" {
		return nil, fmt.Errorf("CALL_API_URL is required")
	}
	if cfg.CallID == "" {
		return nil, fmt.Errorf("CALL_ID is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("USER_ID is required")
	}
	if cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("invalid chunk duration: %s", cfg.ChunkDuration)
	}
	switch cfg.Devices {
	case "synthetic", "denied":
	default:
		return nil, fmt.Errorf("invalid devices: %s (must be synthetic or denied)", cfg.Devices)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if s := getEnv(key, ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return defaultValue
}

func getPositiveInt(key string, defaultValue int) int {
	if s := getEnv(key, ""); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
