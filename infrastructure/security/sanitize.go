// Package security redacts credentials before they reach the audit log
// or any other persisted control-plane record. Commands handed to
// internal/procrunner are often built around curl-style invocations that
// embed bearer tokens directly on the command line, and the environment
// handed to a spawned process routinely carries cloud, VCS, and LLM
// provider credentials (AWS_SECRET_ACCESS_KEY, GITHUB_TOKEN,
// ANTHROPIC_API_KEY, ...) that an agent picked up from its own shell.
// Neither belongs in a durable, potentially-shared audit trail.
package security

import (
	"regexp"
	"strings"
)

// SensitivePattern represents a pattern for detecting sensitive information
// embedded in command text. Order matters: more specific patterns should
// come first so a generic one doesn't mask a match a specific one would
// have labeled more usefully.
type SensitivePattern struct {
	Name    string
	Pattern *regexp.Regexp
	Mask    string
}

var (
	// commandSecretPatterns scans exec command strings (and any other
	// free text headed for the audit log) for credential shapes an agent
	// might embed directly on the command line — most commonly a curl
	// invocation authenticating against a cloud, VCS, or LLM provider API.
	commandSecretPatterns = []SensitivePattern{
		{
			Name:    "JWT Token",
			Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
			Mask:    "[REDACTED_JWT]",
		},
		{
			Name:    "Private Key Header",
			Pattern: regexp.MustCompile(`-----BEGIN\s+(RSA\s+|OPENSSH\s+|EC\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+|OPENSSH\s+|EC\s+)?PRIVATE\s+KEY-----`),
			Mask:    "[REDACTED_PRIVATE_KEY]",
		},
		{
			Name:    "Anthropic API Key",
			Pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
			Mask:    "[REDACTED_ANTHROPIC_KEY]",
		},
		{
			Name:    "OpenAI-style API Key",
			Pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
			Mask:    "[REDACTED_LLM_KEY]",
		},
		{
			Name:    "GitHub Token",
			Pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
			Mask:    "[REDACTED_GITHUB_TOKEN]",
		},
		{
			Name:    "GitLab Token",
			Pattern: regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),
			Mask:    "[REDACTED_GITLAB_TOKEN]",
		},
		{
			Name:    "AWS Access Key ID",
			Pattern: regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
			Mask:    "[REDACTED_AWS_KEY_ID]",
		},
		{
			Name:    "Slack Token",
			Pattern: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
			Mask:    "[REDACTED_SLACK_TOKEN]",
		},
		{
			Name:    "npm Token",
			Pattern: regexp.MustCompile(`npm_[A-Za-z0-9]{36}`),
			Mask:    "[REDACTED_NPM_TOKEN]",
		},
		{
			Name:    "Bearer Token",
			Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`),
			Mask:    "Bearer [REDACTED_TOKEN]",
		},
		{
			Name:    "Authorization Header",
			Pattern: regexp.MustCompile(`(?i)authorization\s*:\s*['"]?([^'"\n]{20,})['"]?`),
			Mask:    "Authorization: [REDACTED_AUTH]",
		},
		{
			Name:    "API Key Assignment",
			Pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?key)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})['"]?`),
			Mask:    "$1=[REDACTED_API_KEY]",
		},
		{
			Name:    "Password Assignment",
			Pattern: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?([^'"\s]{6,})['"]?`),
			Mask:    "$1=[REDACTED_PASSWORD]",
		},
		{
			Name:    "Secret Assignment",
			Pattern: regexp.MustCompile(`(?i)(secret|client_secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,})['"]?`),
			Mask:    "$1=[REDACTED_SECRET]",
		},
	}

	// knownSecretEnvVars are exact (case-insensitive) environment variable
	// names that a spawned agent process commonly inherits and that are
	// always a credential regardless of their value's shape: cloud SDK
	// credentials, VCS tokens, and LLM provider keys an agent's own shell
	// profile might export for ordinary, non-malicious use.
	knownSecretEnvVars = map[string]struct{}{
		"aws_access_key_id":        {},
		"aws_secret_access_key":    {},
		"aws_session_token":        {},
		"azure_client_secret":      {},
		"google_application_credentials": {},
		"gcp_service_account_key":  {},
		"github_token":             {},
		"gh_token":                 {},
		"gitlab_token":             {},
		"npm_token":                {},
		"docker_auth_config":       {},
		"anthropic_api_key":        {},
		"openai_api_key":           {},
		"slack_bot_token":          {},
		"slack_token":              {},
		"kubeconfig":               {},
	}

	// sensitiveKeywords are substrings that mark an environment variable
	// name as probably holding a credential even when it isn't one of the
	// knownSecretEnvVars exact names above.
	sensitiveKeywords = []string{
		"password", "passwd", "pwd", "secret", "token", "key", "auth",
		"authorization", "credential", "private", "api_key", "apikey",
		"client_secret", "access_token", "refresh_token", "session_token",
		"access_key", "service_account",
	}
)

// SanitizeString masks credential-shaped substrings in free text such as
// an exec command line before it is persisted.
func SanitizeString(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, pattern := range commandSecretPatterns {
		result = pattern.Pattern.ReplaceAllString(result, pattern.Mask)
	}

	return result
}

// SanitizeError sanitizes error messages before logging.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeMap redacts a map of key-value pairs — the shape an exec
// request's environment arrives in before it reaches the audit log. A
// known exact credential variable name is fully redacted regardless of
// its value; a name that merely looks sensitive is also fully redacted;
// everything else is passed through SanitizeString in case the value
// itself embeds a credential shape (e.g. a command fragment stored
// alongside its environment).
func SanitizeMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(data))
	for key, value := range data {
		switch {
		case IsKnownSecretEnvVar(key), IsSensitiveKey(key):
			sanitized[key] = "[REDACTED]"
		default:
			if strVal, ok := value.(string); ok {
				sanitized[key] = SanitizeString(strVal)
			} else {
				sanitized[key] = value
			}
		}
	}

	return sanitized
}

// IsKnownSecretEnvVar reports whether key is one of the exact,
// well-known credential environment variable names a spawned process
// commonly inherits.
func IsKnownSecretEnvVar(key string) bool {
	_, ok := knownSecretEnvVars[strings.ToLower(key)]
	return ok
}

// IsSensitiveKey checks if a key name suggests sensitive data.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// AddSensitivePattern adds a custom command-text pattern to the sanitizer,
// for a deployment that needs to redact a credential shape this package
// doesn't already recognize.
func AddSensitivePattern(name string, pattern *regexp.Regexp, mask string) {
	commandSecretPatterns = append(commandSecretPatterns, SensitivePattern{
		Name:    name,
		Pattern: pattern,
		Mask:    mask,
	})
}
