package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all environment-driven settings for the coordination server.
type Config struct {
	Port int    `envconfig:"PORT" default:"3001"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// LiveDir is the root under which per-agent HLS session directories are
	// created (<LiveDir>/<agentID>/stream.m3u8).
	LiveDir string `envconfig:"LIVE_DIR" default:"live"`
	// RecordingsDir receives the raw archive file of each stream session
	// until its upload completes.
	RecordingsDir string `envconfig:"RECORDINGS_DIR" default:"recordings"`

	// FFmpegPath is the transcoder binary used for HLS remuxing.
	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// VODSiteURL and VODAPIToken configure the external archive store. When
	// either is empty, finished recordings are discarded instead of uploaded.
	VODSiteURL  string `envconfig:"VOD_SITE_URL"`
	VODAPIToken string `envconfig:"VOD_API_TOKEN"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment, after loading a .env file
// if one is present in the working directory.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UploadEnabled reports whether the archive store is fully configured.
func (c Config) UploadEnabled() bool {
	return c.VODSiteURL != "" && c.VODAPIToken != ""
}
