package catalog

import (
	"context"
	"errors"
	"testing"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestRepositoryOwnership(t *testing.T) {
	c := New(Options{Repositories: []Repository{
		{ID: "widgets", Owner: "alice", CloneURL: "https://github.com/alice/widgets.git"},
		{ID: "shared", CloneURL: "https://github.com/org/shared.git"},
	}})
	ctx := context.Background()

	repo, err := c.Repository(ctx, "alice", "widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.CloneURL != "https://github.com/alice/widgets.git" {
		t.Fatalf("unexpected repository %+v", repo)
	}

	if _, err := c.Repository(ctx, "bob", "widgets"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("expected ErrRepositoryNotFound, got %v", err)
	}
	if _, err := c.Repository(ctx, "alice", "missing"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("expected ErrRepositoryNotFound, got %v", err)
	}
	if _, err := c.Repository(ctx, "bob", "shared"); err != nil {
		t.Fatalf("expected shared repository, got %v", err)
	}

	if got := c.Repositories("bob"); len(got) != 1 || got[0].ID != "shared" {
		t.Fatalf("expected only shared for bob, got %+v", got)
	}
	if got := c.Repositories("alice"); len(got) != 2 || got[0].ID != "shared" || got[1].ID != "widgets" {
		t.Fatalf("expected sorted repositories for alice, got %+v", got)
	}
}

func TestCredentials(t *testing.T) {
	c := New(Options{
		Users: []User{
			{ID: "alice", GitHubTokenEnv: "ALICE_GH"},
			{ID: "carol", AgentKeyEnv: "CAROL_KEY"},
		},
		LookupEnv: env(map[string]string{
			"ALICE_GH":          "ghp_alice",
			"ANTHROPIC_API_KEY": "sk-shared",
			"CAROL_KEY":         "sk-carol",
		}),
	})
	ctx := context.Background()

	creds, err := c.Credentials(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.CloneToken != "ghp_alice" || creds.AgentToken != "sk-shared" {
		t.Fatalf("unexpected credentials %+v", creds)
	}

	creds, err = c.Credentials(ctx, "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.CloneToken != "" || creds.AgentToken != "sk-carol" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestCredentialsMissingAgentKey(t *testing.T) {
	c := New(Options{AgentKeyEnv: "WORKCELL_KEY", LookupEnv: env(map[string]string{"WORKCELL_KEY": ""})})
	_, err := c.Credentials(context.Background(), "alice")
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
}
