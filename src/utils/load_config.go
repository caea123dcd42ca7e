package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GUILDS | GUILD_VOICE_STATES
const DefaultIntents = 1<<0 | 1<<7

var ErrMissingConfig = errors.New("missing required configuration")

type AppConfig struct {
	DiscordBotToken            string   `yaml:"bot_token"`
	DiscordIntents             int      `yaml:"intents"`
	DiscordShardID             int      `yaml:"shard_id"`
	DiscordShardCount          int      `yaml:"shard_count"`
	DiscordLargeThreshold      int      `yaml:"large_threshold"`
	DiscordCompress            bool     `yaml:"compress"`
	DiscordHTTPBaseURL         string   `yaml:"http_base_url"`
	DiscordGatewayVersion      int      `yaml:"gateway_version"`
	DiscordVoiceGatewayVersion int      `yaml:"voice_gateway_version"`
	VoiceHeartbeatMultiplier   float64  `yaml:"voice_heartbeat_multiplier"`
	VoiceEncryptionModes       []string `yaml:"voice_encryption_modes"`
	FetchMembers               bool     `yaml:"fetch_members"`

	StatusAddress string `yaml:"status_address"`
	StatusKey     string `yaml:"status_key"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	VoiceGuildID   string `yaml:"voice_guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`
	VoiceDCAFile   string `yaml:"voice_dca_file"`
}

// Sharded reports whether IDENTIFY should carry a shard pair.
func (cfg AppConfig) Sharded() bool {
	return cfg.DiscordShardCount > 0
}

func defaultConfig() AppConfig {
	return AppConfig{
		DiscordIntents:             DefaultIntents,
		DiscordLargeThreshold:      250,
		DiscordHTTPBaseURL:         "https://discord.com/api/v10",
		DiscordGatewayVersion:      10,
		DiscordVoiceGatewayVersion: 8,
		VoiceHeartbeatMultiplier:   0.75,
		LogLevel:                   "info",
		LogFormat:                  "text",
	}
}

// LoadConfiguration reads the process environment on top of the YAML file
// named by SIREN_CONFIG_FILE, if any.
func LoadConfiguration() (AppConfig, error) {
	return LoadConfigurationFrom(os.LookupEnv)
}

// LoadConfigurationFrom is LoadConfiguration with an injectable environment.
// Values from the environment win over values from the file.
func LoadConfigurationFrom(lookup func(string) (string, bool)) (AppConfig, error) {
	cfg := defaultConfig()
	if path, ok := lookup("SIREN_CONFIG_FILE"); ok && path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return AppConfig{}, err
		}
	}

	stringEnv := map[string]*string{
		"DC_BOT_TOKEN":     &cfg.DiscordBotToken,
		"DC_HTTP_BASE_URL": &cfg.DiscordHTTPBaseURL,
		"STATUS_ADDRESS":   &cfg.StatusAddress,
		"STATUS_KEY":       &cfg.StatusKey,
		"LOG_LEVEL":        &cfg.LogLevel,
		"LOG_FORMAT":       &cfg.LogFormat,
		"VOICE_GUILD_ID":   &cfg.VoiceGuildID,
		"VOICE_CHANNEL_ID": &cfg.VoiceChannelID,
		"VOICE_DCA_FILE":   &cfg.VoiceDCAFile,
	}
	for k, v := range stringEnv {
		if val, ok := lookup(k); ok {
			*v = val
		}
	}

	intEnv := map[string]*int{
		"DC_INTENTS":               &cfg.DiscordIntents,
		"DC_SHARD_ID":              &cfg.DiscordShardID,
		"DC_SHARD_COUNT":           &cfg.DiscordShardCount,
		"DC_LARGE_THRESHOLD":       &cfg.DiscordLargeThreshold,
		"DC_GATEWAY_VERSION":       &cfg.DiscordGatewayVersion,
		"DC_VOICE_GATEWAY_VERSION": &cfg.DiscordVoiceGatewayVersion,
	}
	for k, v := range intEnv {
		val, ok := lookup(k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return AppConfig{}, fmt.Errorf("%s: %w", k, err)
		}
		*v = n
	}

	boolEnv := map[string]*bool{
		"DC_COMPRESS":      &cfg.DiscordCompress,
		"DC_FETCH_MEMBERS": &cfg.FetchMembers,
	}
	for k, v := range boolEnv {
		val, ok := lookup(k)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return AppConfig{}, fmt.Errorf("%s: %w", k, err)
		}
		*v = b
	}

	if val, ok := lookup("DC_VOICE_HEARTBEAT_MULTIPLIER"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return AppConfig{}, fmt.Errorf("DC_VOICE_HEARTBEAT_MULTIPLIER: %w", err)
		}
		cfg.VoiceHeartbeatMultiplier = f
	}
	if val, ok := lookup("DC_VOICE_ENCRYPTION_MODES"); ok {
		cfg.VoiceEncryptionModes = splitList(val)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg AppConfig) validate() error {
	if cfg.DiscordBotToken == "" {
		return fmt.Errorf("%w: provide DC_BOT_TOKEN", ErrMissingConfig)
	}
	if cfg.DiscordShardCount < 0 || cfg.DiscordShardID < 0 {
		return fmt.Errorf("invalid shard %d/%d", cfg.DiscordShardID, cfg.DiscordShardCount)
	}
	if cfg.Sharded() && cfg.DiscordShardID >= cfg.DiscordShardCount {
		return fmt.Errorf("shard id %d out of range for %d shards", cfg.DiscordShardID, cfg.DiscordShardCount)
	}
	if cfg.VoiceHeartbeatMultiplier <= 0 || cfg.VoiceHeartbeatMultiplier > 1 {
		return fmt.Errorf("voice heartbeat multiplier %v must be in (0, 1]", cfg.VoiceHeartbeatMultiplier)
	}
	if (cfg.VoiceGuildID == "") != (cfg.VoiceChannelID == "") {
		return errors.New("VOICE_GUILD_ID and VOICE_CHANNEL_ID must be set together")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
