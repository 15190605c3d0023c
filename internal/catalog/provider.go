package catalog

import "strings"

// Provider describes where a leaked credential must be revoked.
type Provider struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	RevokeURL string `json:"revoke_url,omitempty"`
}

var providers = map[string]Provider{
	"aws":         {Key: "aws", Name: "Amazon Web Services", RevokeURL: "https://console.aws.amazon.com/iam/home#/security_credentials"},
	"github":      {Key: "github", Name: "GitHub", RevokeURL: "https://github.com/settings/tokens"},
	"gitlab":      {Key: "gitlab", Name: "GitLab", RevokeURL: "https://gitlab.com/-/user_settings/personal_access_tokens"},
	"slack":       {Key: "slack", Name: "Slack", RevokeURL: "https://api.slack.com/apps"},
	"discord":     {Key: "discord", Name: "Discord", RevokeURL: "https://discord.com/developers/applications"},
	"stripe":      {Key: "stripe", Name: "Stripe", RevokeURL: "https://dashboard.stripe.com/apikeys"},
	"google":      {Key: "google", Name: "Google Cloud", RevokeURL: "https://console.cloud.google.com/apis/credentials"},
	"anthropic":   {Key: "anthropic", Name: "Anthropic", RevokeURL: "https://console.anthropic.com/settings/keys"},
	"openai":      {Key: "openai", Name: "OpenAI", RevokeURL: "https://platform.openai.com/api-keys"},
	"sendgrid":    {Key: "sendgrid", Name: "SendGrid", RevokeURL: "https://app.sendgrid.com/settings/api_keys"},
	"npm":         {Key: "npm", Name: "npm", RevokeURL: "https://www.npmjs.com/settings/~/tokens"},
	"private_key": {Key: "private_key", Name: "Private key owner (regenerate the key pair and rotate authorized keys)"},
}

// unknownProvider is returned when a pattern names no provider.
var unknownProvider = Provider{Key: "unknown", Name: "Unknown provider (rotate the credential wherever it was issued)"}

// ProviderByKey returns the provider registered under key.
func ProviderByKey(key string) (Provider, bool) {
	p, ok := providers[key]
	return p, ok
}

// InferProvider returns the provider for a pattern id. Ids from the
// catalog resolve through their declared provider; ids from other engines
// (for example "gitleaks.github-pat") resolve by name prefix.
func (c *Catalog) InferProvider(patternID string) Provider {
	if p, ok := c.byID[patternID]; ok && p.Provider != "" {
		if prov, ok := providers[p.Provider]; ok {
			return prov
		}
	}

	name := strings.ToLower(patternID)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasPrefix(name, "aws"):
		return providers["aws"]
	case strings.HasPrefix(name, "github"):
		return providers["github"]
	case strings.HasPrefix(name, "gitlab"):
		return providers["gitlab"]
	case strings.HasPrefix(name, "slack"):
		return providers["slack"]
	case strings.HasPrefix(name, "discord"):
		return providers["discord"]
	case strings.HasPrefix(name, "stripe"):
		return providers["stripe"]
	case strings.HasPrefix(name, "gcp"), strings.HasPrefix(name, "google"):
		return providers["google"]
	case strings.HasPrefix(name, "anthropic"):
		return providers["anthropic"]
	case strings.HasPrefix(name, "openai"):
		return providers["openai"]
	case strings.HasPrefix(name, "sendgrid"):
		return providers["sendgrid"]
	case strings.HasPrefix(name, "npm"):
		return providers["npm"]
	case strings.Contains(name, "private-key"), strings.Contains(name, "private_key"):
		return providers["private_key"]
	}
	return unknownProvider
}
