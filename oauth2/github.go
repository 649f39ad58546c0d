package oauth2

import (
	"golang.org/x/oauth2/github"

	acc "github.com/panyam/accounts"
)

const (
	GithubKey         = "github"
	GithubUserInfoURL = "https://api.github.com/user"
)

// NewGithubFactory builds GitHub handles. GitHub user ids are numeric and
// are stored in their decimal form.
func NewGithubFactory(cfg acc.ProviderConfig) acc.ProviderFactory {
	return NewFactory(GithubKey, cfg, github.Endpoint, GithubUserInfoURL,
		[]string{"read:user", "user:email"}, ParseStandardUser)
}
