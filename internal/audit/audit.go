// Package audit provides a structured audit logger for CLI command invocations.
// It logs command name, resolved configuration, and sanitised environment state
// so operators can trace what happened without exposing secret values.
//
// Secrets are logged as presence/absence only — never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{key: "COHERE_API_KEY", secret: true},
	{key: "ADMIN_API_KEY", secret: true},
	{key: "QDRANT_API_KEY", secret: true},
	{key: "COHERE_MODEL"},
	{key: "COHERE_API_URL"},
	{key: "COHERE_STREAMING_SUPPORTED"},
	{key: "EMBEDDING_MODEL"},
	{key: "QDRANT_HOST"},
	{key: "RAG_DATA_DIR"},
	{key: "RAG_EMBEDDINGS_DIR"},
	{key: "RAG_PERSIST_EMBEDDINGS"},
	{key: "AIGW_HISTORY_DB"},
	{key: "SKIP_DIAGNOSTICS"},
	{key: "LOG_LEVEL"},
	{key: "PORT"},
}

// LogCommandStart emits a structured audit log entry when a CLI command begins.
// It records the command name, config file source, and sanitised environment.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}

	log.LogAttrs(context.TODO(), slog.LevelInfo, "audit: command start", attrs...)
}

// sanitiseConfigPath collapses the user's home directory prefix to "~" so the
// audit log does not leak local usernames.
func sanitiseConfigPath(path string) string {
	if path == "" {
		return "none"
	}
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}

// presence returns "set" or "unset" for a secret value.
func presence(v string) string {
	if v == "" {
		return "unset"
	}
	return "set"
}

// valOrUnset returns the value itself, or "unset" when empty.
func valOrUnset(v string) string {
	if v == "" {
		return "unset"
	}
	return v
}
