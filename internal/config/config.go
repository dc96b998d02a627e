// Package config loads runtime settings from the environment and an optional
// config file, with sane defaults for local development.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAnnotations is the allow-list of annotation fields that generate
// tasks when missing upstream. Overridable via the annotations setting.
var DefaultAnnotations = []string{
	"audiences",
	"content_types",
	"tasks",
	"subject_domains",
	"wikidata_qid",
	"icon",
	"tool_type",
	"repository",
	"api_url",
	"translate_url",
	"bugtracker_url",
	"user_docs_url",
	"developer_docs_url",
	"feedback_url",
	"privacy_policy_url",
	"available_ui_languages",
	"for_wikis",
}

// Settings holds the full runtime configuration.
type Settings struct {
	Environment  string
	ListenAddr   string
	DatabasePath string

	// Upstream catalog ("Toolhub") endpoints and OAuth client.
	ToolhubAPIBaseURL string
	ToolhubAuthURL    string
	ToolhubTokenURL   string
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	UpstreamTimeout   time.Duration

	// Secrets. SessionSecret signs session JWTs; EncryptionSecret derives the
	// vault AEAD key.
	SessionSecret    string
	EncryptionSecret string

	// Task selection. Cooldown applies to unfiltered selection,
	// FilteredCooldown when field or tool filters are active. In the dev
	// environment the cooldown filter is disabled entirely.
	Cooldown         time.Duration
	FilteredCooldown time.Duration

	Annotations []string
}

// IsDev reports whether the cooldown filter and other production-only
// behavior should be disabled.
func (s *Settings) IsDev() bool {
	return strings.EqualFold(s.Environment, "dev")
}

// Load reads settings from TOOLHUNT_-prefixed environment variables and, if
// present, a toolhunt.yml in the working directory or /etc/toolhunt.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("TOOLHUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "dev")
	v.SetDefault("listen-addr", ":8082")
	v.SetDefault("database-path", "toolhunt.db")
	v.SetDefault("toolhub-api-base-url", "https://toolhub.wikimedia.org/api")
	v.SetDefault("toolhub-auth-url", "https://toolhub.wikimedia.org/o/authorize/")
	v.SetDefault("toolhub-token-url", "https://toolhub.wikimedia.org/o/token/")
	v.SetDefault("redirect-url", "http://localhost:8082/api/auth/callback")
	v.SetDefault("upstream-timeout", 30*time.Second)
	v.SetDefault("cooldown", 24*time.Hour)
	v.SetDefault("filtered-cooldown", 20*time.Minute)
	v.SetDefault("annotations", DefaultAnnotations)

	v.SetConfigName("toolhunt")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/toolhunt")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Settings{
		Environment:       v.GetString("environment"),
		ListenAddr:        v.GetString("listen-addr"),
		DatabasePath:      v.GetString("database-path"),
		ToolhubAPIBaseURL: strings.TrimRight(v.GetString("toolhub-api-base-url"), "/"),
		ToolhubAuthURL:    v.GetString("toolhub-auth-url"),
		ToolhubTokenURL:   v.GetString("toolhub-token-url"),
		ClientID:          v.GetString("client-id"),
		ClientSecret:      v.GetString("client-secret"),
		RedirectURL:       v.GetString("redirect-url"),
		UpstreamTimeout:   v.GetDuration("upstream-timeout"),
		SessionSecret:     v.GetString("session-secret"),
		EncryptionSecret:  v.GetString("encryption-secret"),
		Cooldown:          v.GetDuration("cooldown"),
		FilteredCooldown:  v.GetDuration("filtered-cooldown"),
		Annotations:       v.GetStringSlice("annotations"),
	}, nil
}
