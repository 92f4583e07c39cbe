// Package policy loads and validates the two YAML configuration documents
// the Alert Engine and Dispatcher run against: alert policies and
// notification channels. Loading is pure — no I/O side effects beyond the
// file read and (for channel target URLs) a process-environment lookup.
package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var supportedSeverities = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true}

var supportedMetricTypes = map[string]bool{
	"fail_rate":              true,
	"blocked_count":          true,
	"fail_count":             true,
	"unified_usage_rate":     true,
	"top_rule_fail_count":    true,
	"semantic_rule_fail_count": true,
}

var supportedOperators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

var supportedSourceNames = map[string]bool{"train": true, "store": true}

var supportedEventTypes = map[string]bool{"ALERT_FIRING": true, "ALERT_RESOLVED": true}

// AlertPolicy is one parsed policy document entry (§4.4/§3).
type AlertPolicy struct {
	ID                 string  `yaml:"id"`
	Enabled            bool    `yaml:"enabled"`
	Severity           string  `yaml:"severity"`
	SourceName         *string `yaml:"source_name"`
	WindowDays         int     `yaml:"window_days"`
	MetricType         string  `yaml:"metric_type"`
	Operator           string  `yaml:"operator"`
	Threshold          float64 `yaml:"threshold"`
	PendingEvaluations int     `yaml:"pending_evaluations"`
	RuleID             *string `yaml:"rule_id"`
	Description        string  `yaml:"description"`
}

// NotificationChannel is one parsed channel document entry (§4.4/§3).
type NotificationChannel struct {
	ID                string   `yaml:"id"`
	Type              string   `yaml:"type"`
	Enabled           bool     `yaml:"enabled"`
	TargetURL         string   `yaml:"target_url"`
	TargetURLEnv      string   `yaml:"target_url_env"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffSeconds    int      `yaml:"backoff_seconds"`
	SigningSecretEnv  string   `yaml:"signing_secret_env"`
	EnabledEventTypes []string `yaml:"enabled_event_types"`

	// resolvedTargetURL and resolvedSigningSecret are filled in by
	// LoadNotificationChannels after raw parsing; they are what callers
	// should use.
	resolvedTargetURL     string
	resolvedSigningSecret string
}

// ResolvedTargetURL returns the channel's resolved webhook URL, after applying
// target_url_env if target_url itself is empty.
func (c NotificationChannel) ResolvedTargetURL() string { return c.resolvedTargetURL }

// SigningSecret returns the channel's resolved HMAC signing secret, or ""
// if unconfigured.
func (c NotificationChannel) SigningSecret() string { return c.resolvedSigningSecret }

// Misconfigured reports whether the channel has no usable target URL.
func (c NotificationChannel) Misconfigured() bool { return c.resolvedTargetURL == "" }

// SupportsEvent reports whether eventType is in enabled_event_types.
func (c NotificationChannel) SupportsEvent(eventType string) bool {
	for _, t := range c.EnabledEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

type alertPolicyDocument struct {
	Policies []AlertPolicy `yaml:"policies"`
}

type channelDocument struct {
	Channels []NotificationChannel `yaml:"channels"`
}

// LoadAlertPolicies parses and validates an alert-policy YAML document.
func LoadAlertPolicies(path string) ([]AlertPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading alert policy file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc alertPolicyDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing alert policy file: %w", err)
	}

	seen := map[string]bool{}
	for i, p := range doc.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy[%d]: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate policy id %q", p.ID)
		}
		seen[p.ID] = true

		if !supportedSeverities[p.Severity] {
			return nil, fmt.Errorf("policy %q: unsupported severity %q", p.ID, p.Severity)
		}
		if p.SourceName != nil && !supportedSourceNames[*p.SourceName] {
			return nil, fmt.Errorf("policy %q: unsupported source_name %q", p.ID, *p.SourceName)
		}
		if p.WindowDays < 1 || p.WindowDays > 3650 {
			return nil, fmt.Errorf("policy %q: window_days out of [1,3650]", p.ID)
		}
		if !supportedMetricTypes[p.MetricType] {
			return nil, fmt.Errorf("policy %q: unsupported metric_type %q", p.ID, p.MetricType)
		}
		if !supportedOperators[p.Operator] {
			return nil, fmt.Errorf("policy %q: unsupported operator %q", p.ID, p.Operator)
		}
		if p.PendingEvaluations < 1 {
			return nil, fmt.Errorf("policy %q: pending_evaluations must be >= 1", p.ID)
		}
		if p.MetricType == "semantic_rule_fail_count" && (p.RuleID == nil || *p.RuleID == "") {
			return nil, fmt.Errorf("policy %q: rule_id is required for metric_type=semantic_rule_fail_count", p.ID)
		}
	}

	return doc.Policies, nil
}

// LoadNotificationChannels parses, validates, and resolves environment
// references for a notification-channel YAML document.
func LoadNotificationChannels(path string) ([]NotificationChannel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading notification channel file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc channelDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing notification channel file: %w", err)
	}

	seen := map[string]bool{}
	for i := range doc.Channels {
		c := &doc.Channels[i]
		if c.ID == "" {
			return nil, fmt.Errorf("channel[%d]: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate channel id %q", c.ID)
		}
		seen[c.ID] = true

		if c.Type == "" {
			c.Type = "webhook"
		}
		if c.Type != "webhook" {
			return nil, fmt.Errorf("channel %q: unsupported type %q", c.ID, c.Type)
		}
		if c.TimeoutSeconds < 1 {
			return nil, fmt.Errorf("channel %q: timeout_seconds must be >= 1", c.ID)
		}
		if c.MaxAttempts < 1 {
			return nil, fmt.Errorf("channel %q: max_attempts must be >= 1", c.ID)
		}
		if c.BackoffSeconds < 1 {
			return nil, fmt.Errorf("channel %q: backoff_seconds must be >= 1", c.ID)
		}
		for _, et := range c.EnabledEventTypes {
			if !supportedEventTypes[et] {
				return nil, fmt.Errorf("channel %q: unsupported event type %q", c.ID, et)
			}
		}

		c.resolvedTargetURL = c.TargetURL
		if c.resolvedTargetURL == "" && c.TargetURLEnv != "" {
			c.resolvedTargetURL = os.Getenv(c.TargetURLEnv)
		}
		if c.SigningSecretEnv != "" {
			c.resolvedSigningSecret = os.Getenv(c.SigningSecretEnv)
		}
	}

	return doc.Channels, nil
}
