package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the delivery service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	BrokerURL       string
	BrokerUsername  string
	BrokerPassword  string
	RedisAddr       string
	TTSEndpoint     string
	TTSKey          string
	TTSVoice        string
	AudioGatewayURL string
	QueueCapacity   int
	PlaybackTimeout time.Duration
	AckGrace        time.Duration
	RateLimit       int
	RateWindow      time.Duration
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		BrokerURL:       v.GetString("broker_url"),
		BrokerUsername:  v.GetString("broker_username"),
		BrokerPassword:  v.GetString("broker_password"),
		RedisAddr:       v.GetString("redis_addr"),
		TTSEndpoint:     v.GetString("tts_endpoint"),
		TTSKey:          v.GetString("tts_key"),
		TTSVoice:        v.GetString("tts_voice"),
		AudioGatewayURL: v.GetString("audio_gateway_url"),
		QueueCapacity:   v.GetInt("queue_capacity"),
		PlaybackTimeout: v.GetDuration("playback_timeout"),
		AckGrace:        v.GetDuration("ack_grace"),
		RateLimit:       v.GetInt("rate_limit"),
		RateWindow:      v.GetDuration("rate_window"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
