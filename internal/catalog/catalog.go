// Package catalog resolves repositories and credentials from configuration.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DefaultAgentKeyEnv names the environment variable holding the agent API key.
const DefaultAgentKeyEnv = "ANTHROPIC_API_KEY"

var (
	// ErrRepositoryNotFound indicates the repository is unknown or owned by someone else.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrCredentialMissing indicates a named environment variable is unset.
	ErrCredentialMissing = errors.New("credential not set")
)

// Repository is a clonable repository owned by a user.
type Repository struct {
	ID            string
	Owner         string
	CloneURL      string
	DefaultBranch string
	Language      string
}

// User names the environment variables holding a user's tokens.
type User struct {
	ID             string
	GitHubTokenEnv string
	// AgentKeyEnv overrides the catalog-wide agent key variable.
	AgentKeyEnv string
}

// Credentials are the secrets a session needs inside its container.
type Credentials struct {
	CloneToken string
	AgentToken string
}

// Options configures a Catalog.
type Options struct {
	Repositories []Repository
	Users        []User
	AgentKeyEnv  string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Catalog serves repositories and credentials from static configuration.
type Catalog struct {
	repos       map[string]Repository
	users       map[string]User
	agentKeyEnv string
	lookupEnv   func(string) (string, bool)
}

// New builds a Catalog.
func New(opts Options) *Catalog {
	c := &Catalog{
		repos:       make(map[string]Repository, len(opts.Repositories)),
		users:       make(map[string]User, len(opts.Users)),
		agentKeyEnv: opts.AgentKeyEnv,
		lookupEnv:   opts.LookupEnv,
	}
	if c.agentKeyEnv == "" {
		c.agentKeyEnv = DefaultAgentKeyEnv
	}
	if c.lookupEnv == nil {
		c.lookupEnv = os.LookupEnv
	}
	for _, repo := range opts.Repositories {
		c.repos[repo.ID] = repo
	}
	for _, user := range opts.Users {
		c.users[user.ID] = user
	}
	return c
}

// Repository returns repoID if userID owns it. A repository without an
// owner is available to every user.
func (c *Catalog) Repository(ctx context.Context, userID, repoID string) (Repository, error) {
	if err := ctx.Err(); err != nil {
		return Repository{}, err
	}
	repo, ok := c.repos[repoID]
	if !ok || (repo.Owner != "" && repo.Owner != userID) {
		return Repository{}, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoID)
	}
	return repo, nil
}

// Repositories lists the repositories userID may use, sorted by id.
func (c *Catalog) Repositories(userID string) []Repository {
	var repos []Repository
	for _, repo := range c.repos {
		if repo.Owner == "" || repo.Owner == userID {
			repos = append(repos, repo)
		}
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	return repos
}

// Credentials reads userID's tokens from the environment. The clone token
// is optional; the agent token is required.
func (c *Catalog) Credentials(ctx context.Context, userID string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	user := c.users[userID]

	var creds Credentials
	if user.GitHubTokenEnv != "" {
		creds.CloneToken, _ = c.lookupEnv(user.GitHubTokenEnv)
	}

	keyEnv := user.AgentKeyEnv
	if keyEnv == "" {
		keyEnv = c.agentKeyEnv
	}
	token, ok := c.lookupEnv(keyEnv)
	if !ok || token == "" {
		return creds, fmt.Errorf("%w: %s", ErrCredentialMissing, keyEnv)
	}
	creds.AgentToken = token
	return creds, nil
}
