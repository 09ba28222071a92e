// Package config loads ambient process settings from the environment
// (with an optional .env file) and the one spec-mandated setting that
// ships as an INI file: max_room_size, read the way the original
// plugin's own config file was read.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	JWT    JWTConfig
	WebRTC WebRTCConfig
	Room   RoomConfig
}

// ServerConfig holds HTTP/websocket server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// RedisConfig holds settings for the optional cross-instance
// notification fan-out. Addr left empty disables it entirely.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds settings for the optional external-authorizer
// forwarding hook. Secret left empty disables forwarding.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds ICE server URLs for the transport layer's
// PeerConnections.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env
}

// RoomConfig holds settings loaded from the INI config file rather
// than the environment, mirroring the original plugin's
// janus.plugin.sfu.cfg.
type RoomConfig struct {
	MaxRoomSize int
}

const defaultMaxRoomSize = 32

// Load reads configuration from the environment, with an optional
// .env file, then merges in the INI-based room settings from
// iniPath. iniPath is allowed not to exist: a missing or unreadable
// file falls back to defaultMaxRoomSize with a warning, the same
// leniency the original plugin's config loader showed toward a
// missing config directory.
func Load(iniPath string, log *zap.Logger) (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load("env")

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8088"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Room: RoomConfig{MaxRoomSize: loadMaxRoomSize(iniPath, log)},
	}
	return cfg, nil
}

func loadMaxRoomSize(iniPath string, log *zap.Logger) int {
	if iniPath == "" {
		return defaultMaxRoomSize
	}
	file, err := ini.Load(iniPath)
	if err != nil {
		log.Warn("could not load room config, using default",
			zap.String("path", iniPath), zap.Int("default", defaultMaxRoomSize), zap.Error(err))
		return defaultMaxRoomSize
	}
	size := file.Section("general").Key("max_room_size").MustInt(defaultMaxRoomSize)
	if size <= 0 {
		log.Warn("max_room_size must be positive, using default",
			zap.Int("configured", size), zap.Int("default", defaultMaxRoomSize))
		return defaultMaxRoomSize
	}
	return size
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
