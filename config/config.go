// Package config collects the process settings read through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is everything the bot needs to run, resolved from flags,
// environment variables and the optional config file.
type Settings struct {
	DiscordToken string
	OpenAIKey    string

	Model        string
	Voice        string
	Instructions string
	Greeting     string

	VADThreshold    float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration

	ConnectTimeout  time.Duration
	ReconnectWindow time.Duration

	HTTPPort int
}

// SetDefaults installs the default values for every optional setting.
func SetDefaults() {
	viper.SetDefault("model", "gpt-4o-realtime-preview")
	viper.SetDefault("voice", "alloy")
	viper.SetDefault("greeting", "")
	viper.SetDefault("vad_threshold", 0.5)
	viper.SetDefault("prefix_padding_ms", 300)
	viper.SetDefault("silence_duration_ms", 500)
	viper.SetDefault("connect_timeout_s", 30)
	viper.SetDefault("reconnect_window_s", 5)
	viper.SetDefault("http_port", 8080)
}

// FromViper resolves the settings, failing fast on missing credentials.
func FromViper() (Settings, error) {
	s := Settings{
		DiscordToken:    viper.GetString("discord_token"),
		OpenAIKey:       viper.GetString("openai_api_key"),
		Model:           viper.GetString("model"),
		Voice:           viper.GetString("voice"),
		Instructions:    viper.GetString("instructions"),
		Greeting:        viper.GetString("greeting"),
		VADThreshold:    viper.GetFloat64("vad_threshold"),
		PrefixPadding:   time.Duration(viper.GetInt("prefix_padding_ms")) * time.Millisecond,
		SilenceDuration: time.Duration(viper.GetInt("silence_duration_ms")) * time.Millisecond,
		ConnectTimeout:  time.Duration(viper.GetInt("connect_timeout_s")) * time.Second,
		ReconnectWindow: time.Duration(viper.GetInt("reconnect_window_s")) * time.Second,
		HTTPPort:        viper.GetInt("http_port"),
	}
	if s.DiscordToken == "" {
		return s, fmt.Errorf("discord_token is not set")
	}
	if s.OpenAIKey == "" {
		return s, fmt.Errorf("openai_api_key is not set")
	}
	return s, nil
}
