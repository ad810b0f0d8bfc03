package container

import (
	"fmt"
	"net/url"
	"strings"

	internalstrings "github.com/amonks/workcell/internal/strings"
)

// Container labels.
const (
	LabelSessionID = "workcell.session_id"
	LabelCreatedAt = "workcell.created_at"
)

const (
	namePrefix    = "workcell"
	nameIDLength  = 12
	universalTag  = "universal"
	imageVersion  = "latest"
	tokenUsername = "x-access-token"
)

var languageImages = map[string]string{
	"python":     "python",
	"javascript": "node",
	"typescript": "node",
	"node":       "node",
	"java":       "java",
	"go":         "go",
	"golang":     "go",
	"rust":       "rust",
	"ruby":       "ruby",
}

// ImageFor returns the dev image for a repository language hint. Unknown or
// empty hints select the universal image.
func ImageFor(prefix, language string) string {
	tag, ok := languageImages[internalstrings.NormalizeLowerTrimSpace(language)]
	if !ok {
		tag = universalTag
	}
	return fmt.Sprintf("%s-%s:%s", prefix, tag, imageVersion)
}

// ContainerName returns the container name for a session.
func ContainerName(sessionID string) string {
	id := sessionID
	if len(id) > nameIDLength {
		id = id[:nameIDLength]
	}
	return namePrefix + "-" + id
}

// AuthenticatedURL injects token into an http(s) clone URL.
func AuthenticatedURL(raw, token string) (string, error) {
	if token == "" || !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return raw, nil
	}
	u.User = url.UserPassword(tokenUsername, token)
	return u.String(), nil
}

func redact(output string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		output = strings.ReplaceAll(output, secret, "***")
	}
	return output
}
