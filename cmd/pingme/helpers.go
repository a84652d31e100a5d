package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	pingme "github.com/pingme-chat/pingme-go"
)

func clientOptions(cfg *Config) []pingme.ClientOption {
	opts := []pingme.ClientOption{pingme.WithClientLogger(logger)}
	switch {
	case flagBaseURL != "":
		opts = append(opts, pingme.WithBaseURL(flagBaseURL))
	case cfg.Default.BaseURL != "":
		opts = append(opts, pingme.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient returns a client carrying the stored token, or an error telling
// the user to log in.
func getClient() (*pingme.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("not logged in; run 'pingme login <email>' first")
	}
	return pingme.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg, nil
}

func newRealtime(cfg *Config, reconnect bool) *pingme.RealtimeClient {
	return pingme.NewRealtimeClient(&pingme.RealtimeConfig{
		Key:              cfg.Push.Key,
		Cluster:          cfg.Push.Cluster,
		URL:              cfg.Push.URL,
		DisableReconnect: !reconnect,
		Logger:           &logger,
	})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m pingme.Message, self string) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	fmt.Printf("[%s] %-12s %s  (%s)\n", m.Timestamp.Local().Format("15:04"), who, m.Text, m.ID)
}
