// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
)

const (
	BackendEngine = "engine"
	BackendLLM    = "llm"

	RecognizerAzure = "azure"
	RecognizerVosk  = "vosk"
)

type Config struct {
	AppID         string `yaml:"app_id"`
	AppVersion    string `yaml:"app_version"`
	AppPort       string `yaml:"app_port"`
	ControlSecret string `yaml:"control_secret"`
	LogLevel      string `yaml:"log_level"`
	NextcloudURL  string `yaml:"nextcloud_url"`

	RedisURL string `yaml:"redis_url"`

	SpeechKey    string `yaml:"speech_key"`
	SpeechRegion string `yaml:"speech_region"`

	Recognizer         string `yaml:"recognizer"`
	TranslationBackend string `yaml:"translation_backend"`
	GeminiAPIKey       string `yaml:"gemini_api_key"`
	GeminiModel        string `yaml:"gemini_model"`

	VoskModelsDir string `yaml:"vosk_models_dir"`
	VoskDownload  bool   `yaml:"vosk_download"`

	Bidirectional bool          `yaml:"bidirectional"`
	AudioOutput   bool          `yaml:"audio_output"`
	TranscriptDir string        `yaml:"transcript_dir"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`

	SignalingURL     string   `yaml:"signaling_url"`
	SignalingToken   string   `yaml:"signaling_token"`
	SignalingBackend string   `yaml:"signaling_backend"`
	StunServers      []string `yaml:"stun_servers"`
}

func defaults() *Config {
	return &Config{
		AppPort:            "23000",
		AppVersion:         "1.0.0",
		LogLevel:           "info",
		RedisURL:           "redis://localhost:6379/0",
		SpeechRegion:       "eastus",
		Recognizer:         RecognizerAzure,
		TranslationBackend: BackendEngine,
		GeminiModel:        "gemini-2.0-flash",
		VoskModelsDir:      "/interpreter_data/vosk",
		Bidirectional:      true,
		AudioOutput:        true,
		TranscriptDir:      "transcripts",
		StopTimeout:        constants.DefaultStopTimeout,
		StunServers:        []string{"stun:stun.l.google.com:19302"},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file named by LT_CONFIG_FILE and finally the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("LT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.AppID, "APP_ID")
	setString(&c.AppVersion, "APP_VERSION")
	setString(&c.AppPort, "APP_PORT")
	setString(&c.NextcloudURL, "NEXTCLOUD_URL")
	setString(&c.ControlSecret, "LT_CONTROL_SECRET")
	setString(&c.LogLevel, "LT_LOG_LEVEL")
	setString(&c.RedisURL, "LT_REDIS_URL")
	setString(&c.SpeechKey, "LT_SPEECH_KEY")
	setString(&c.SpeechRegion, "LT_SPEECH_REGION")
	setString(&c.Recognizer, "LT_RECOGNIZER")
	setString(&c.TranslationBackend, "LT_TRANSLATION_BACKEND")
	setString(&c.GeminiAPIKey, "LT_GEMINI_API_KEY")
	setString(&c.GeminiModel, "LT_GEMINI_MODEL")
	setString(&c.VoskModelsDir, "LT_VOSK_MODELS_DIR")
	setString(&c.TranscriptDir, "LT_TRANSCRIPT_DIR")
	setString(&c.SignalingURL, "LT_SIGNALING_URL")
	setString(&c.SignalingToken, "LT_SIGNALING_TOKEN")
	setString(&c.SignalingBackend, "LT_SIGNALING_BACKEND")

	if v := os.Getenv("LT_STUN_SERVERS"); v != "" {
		c.StunServers = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.StunServers = append(c.StunServers, s)
			}
		}
	}

	for key, dst := range map[string]*bool{
		"LT_VOSK_DOWNLOAD": &c.VoskDownload,
		"LT_BIDIRECTIONAL": &c.Bidirectional,
		"LT_AUDIO_OUTPUT":  &c.AudioOutput,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s=%q: %w", key, v, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("LT_STOP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LT_STOP_TIMEOUT=%q: %w", v, err)
		}
		c.StopTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.TranslationBackend {
	case BackendEngine:
		if c.SpeechKey == "" {
			return fmt.Errorf("LT_SPEECH_KEY is required for the %q translation backend", BackendEngine)
		}
	case BackendLLM:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("LT_GEMINI_API_KEY is required for the %q translation backend", BackendLLM)
		}
		if c.SpeechKey == "" {
			return fmt.Errorf("LT_SPEECH_KEY is required for speech synthesis")
		}
	default:
		return fmt.Errorf("invalid LT_TRANSLATION_BACKEND %q (must be %q or %q)",
			c.TranslationBackend, BackendEngine, BackendLLM)
	}
	switch c.Recognizer {
	case RecognizerAzure:
	case RecognizerVosk:
		// vosk only transcribes, so the text has to be translated separately
		if c.TranslationBackend != BackendLLM {
			return fmt.Errorf("LT_RECOGNIZER=%q requires LT_TRANSLATION_BACKEND=%q", RecognizerVosk, BackendLLM)
		}
	default:
		return fmt.Errorf("invalid LT_RECOGNIZER %q (must be %q or %q)",
			c.Recognizer, RecognizerAzure, RecognizerVosk)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("LT_STOP_TIMEOUT must not be negative")
	}
	if c.AppPort == "" {
		c.AppPort = "23000"
	}
	c.NextcloudURL = strings.TrimRight(c.NextcloudURL, "/")
	if c.SignalingBackend == "" && c.NextcloudURL != "" {
		c.SignalingBackend = c.NextcloudURL + "/ocs/v2.php/apps/spreed/api/v3/signaling/backend"
	}
	if c.SignalingURL == "" && c.NextcloudURL == "" {
		return fmt.Errorf("either LT_SIGNALING_URL or NEXTCLOUD_URL must be set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
