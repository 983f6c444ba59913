package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text in dev mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel=%v, want debug in dev mode", cfg.LogLevel)
	}
	if cfg.DefaultRoomID != "default" {
		t.Fatalf("DefaultRoomID=%q, want default", cfg.DefaultRoomID)
	}
	if cfg.MaxRoomMembers != 0 {
		t.Fatalf("MaxRoomMembers=%d, want 0 (unlimited)", cfg.MaxRoomMembers)
	}
	if cfg.SendQueueLength != DefaultSendQueueLength {
		t.Fatalf("SendQueueLength=%d, want %d", cfg.SendQueueLength, DefaultSendQueueLength)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want none", cfg.AuthMode)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
}

func TestLoad_ProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"SIGNAL_RELAY_MODE": "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json in prod mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info in prod mode", cfg.LogLevel)
	}
}

func TestLoad_ProdModeViaFlagSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), []string{"--mode=prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json when --mode=prod", cfg.LogFormat)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		"SIGNAL_RELAY_LISTEN_ADDR": "127.0.0.1:9000",
		"DEFAULT_ROOM_ID":          "lobby",
	}
	cfg, err := load(lookupFrom(env), []string{
		"--listen-addr=0.0.0.0:9100",
		"--max-room-members=2",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9100" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.DefaultRoomID != "lobby" {
		t.Fatalf("DefaultRoomID=%q, want env value lobby", cfg.DefaultRoomID)
	}
	if cfg.MaxRoomMembers != 2 {
		t.Fatalf("MaxRoomMembers=%d, want 2", cfg.MaxRoomMembers)
	}
}

func TestLoad_AllowedOriginsNormalized(t *testing.T) {
	env := map[string]string{
		"ALLOWED_ORIGINS": "https://APP.example.com:443, http://localhost:3000",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantSub string
	}{
		{"bad mode", map[string]string{"SIGNAL_RELAY_MODE": "staging"}, nil, "invalid mode"},
		{"bad log level", map[string]string{"SIGNAL_RELAY_LOG_LEVEL": "verbose"}, nil, "invalid log level"},
		{"bad shutdown timeout", map[string]string{"SIGNAL_RELAY_SHUTDOWN_TIMEOUT": "soon"}, nil, "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"},
		{"empty default room", nil, []string{"--default-room-id= "}, "DEFAULT_ROOM_ID"},
		{"negative room cap", map[string]string{"MAX_ROOM_MEMBERS": "-1"}, nil, "MAX_ROOM_MEMBERS"},
		{"zero send queue", map[string]string{"SEND_QUEUE_LENGTH": "0"}, nil, "SEND_QUEUE_LENGTH"},
		{"api key mode without key", map[string]string{"AUTH_MODE": "api_key"}, nil, "API_KEY"},
		{"bad auth mode", map[string]string{"AUTH_MODE": "jwt"}, nil, "invalid auth mode"},
		{"ping >= idle", map[string]string{
			"SIGNALING_WS_IDLE_TIMEOUT":  "10s",
			"SIGNALING_WS_PING_INTERVAL": "10s",
		}, nil, "must be <"},
		{"zero message budget", map[string]string{"MAX_SIGNALING_MESSAGES_PER_SECOND": "0"}, nil, "MAX_SIGNALING_MESSAGES_PER_SECOND"},
		{"bad origin entry", map[string]string{"ALLOWED_ORIGINS": "example.com"}, nil, "ALLOWED_ORIGINS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupFrom(tt.env), tt.args)
			if err == nil {
				t.Fatalf("load succeeded, want error containing %q", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q missing %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoad_APIKeyModeAccepted(t *testing.T) {
	env := map[string]string{
		"AUTH_MODE": "api_key",
		"API_KEY":   "s3cret",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeAPIKey || cfg.APIKey != "s3cret" {
		t.Fatalf("AuthMode=%q APIKey=%q, want api_key/s3cret", cfg.AuthMode, cfg.APIKey)
	}
}

func TestLoad_DurationKnobs(t *testing.T) {
	env := map[string]string{
		"SIGNALING_WS_IDLE_TIMEOUT":  "45s",
		"SIGNALING_WS_PING_INTERVAL": "15s",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingWSIdleTimeout != 45*time.Second {
		t.Fatalf("SignalingWSIdleTimeout=%v, want 45s", cfg.SignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != 15*time.Second {
		t.Fatalf("SignalingWSPingInterval=%v, want 15s", cfg.SignalingWSPingInterval)
	}
}
