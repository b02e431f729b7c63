// Package ghapi is the typed facade over the remote platform's REST
// API.  The control plane only needs a small operation set -- runner
// registrations, one-time tokens, binary downloads, webhooks, and
// installation-token exchange -- scoped to either a repository or an
// organization.
package ghapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/fleetd/internal/fleet"
)

// RemoteRunner is the facade's view of a remote registration.
type RemoteRunner struct {
	ID     int64
	Name   string
	OS     string
	Status string
	Busy   bool
}

// Token is a one-time registration or removal token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Download points at a runner binary archive for one OS/arch pair.
type Download struct {
	OS           string
	Architecture string
	Filename     string
	URL          string
}

// Client executes facade operations for exactly one credential's scope.
type Client struct {
	gh    *github.Client
	scope fleet.CredentialScope
	owner string
	repo  string
}

// newHTTPClient builds the retrying transport every facade client sits
// on.  The retryablehttp default logger is too chatty; callers get
// visibility through the facade's own callers instead.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

// New creates a facade client authenticated with a bearer token (a PAT
// or a short-lived installation token) and scoped to target: an
// "owner/repo" pair for repository scope, an org name otherwise.
func New(token string, scope fleet.CredentialScope, target string) (*Client, error) {
	return NewWithBaseURL(token, scope, target, "")
}

// NewWithBaseURL is New pointed at a non-default API endpoint, for
// enterprise server installs.  An empty baseURL means the public API.
func NewWithBaseURL(token string, scope fleet.CredentialScope, target, baseURL string) (*Client, error) {
	gh := github.NewClient(newHTTPClient()).WithAuthToken(token)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("api base url %q: %w", baseURL, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}

	c := &Client{
		gh:    gh,
		scope: scope,
	}
	switch scope {
	case fleet.ScopeRepository:
		owner, repo, ok := strings.Cut(target, "/")
		if !ok || owner == "" || repo == "" {
			return nil, fmt.Errorf("repository target %q: want owner/repo", target)
		}
		c.owner, c.repo = owner, repo
	case fleet.ScopeOrganization:
		if target == "" {
			return nil, fmt.Errorf("organization target is empty")
		}
		c.owner = target
	default:
		return nil, fmt.Errorf("unknown credential scope %q", scope)
	}
	return c, nil
}

// ConfigURL is the URL a runner registers against: the repository page
// for repository scope, the organization page otherwise.
func (c *Client) ConfigURL() string {
	if c.scope == fleet.ScopeRepository {
		return fmt.Sprintf("https://github.com/%s/%s", c.owner, c.repo)
	}
	return fmt.Sprintf("https://github.com/%s", c.owner)
}

// ListRunners returns every remote registration in the client's scope.
func (c *Client) ListRunners(ctx context.Context) ([]RemoteRunner, error) {
	opts := &github.ListOptions{PerPage: 100}

	var out []RemoteRunner
	for {
		var (
			runners *github.Runners
			resp    *github.Response
			err     error
		)
		if c.scope == fleet.ScopeRepository {
			runners, resp, err = c.gh.Actions.ListRunners(ctx, c.owner, c.repo, opts)
		} else {
			runners, resp, err = c.gh.Actions.ListOrganizationRunners(ctx, c.owner, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("list runners: %w", err)
		}
		for _, r := range runners.Runners {
			out = append(out, RemoteRunner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				OS:     r.GetOS(),
				Status: r.GetStatus(),
				Busy:   r.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetRunner fetches a single registration by id.  Returns (nil, nil)
// when the registration does not exist -- callers treat absence as a
// state, not an error.
func (c *Client) GetRunner(ctx context.Context, id int64) (*RemoteRunner, error) {
	var (
		r    *github.Runner
		resp *github.Response
		err  error
	)
	if c.scope == fleet.ScopeRepository {
		r, resp, err = c.gh.Actions.GetRunner(ctx, c.owner, c.repo, id)
	} else {
		r, resp, err = c.gh.Actions.GetOrganizationRunner(ctx, c.owner, id)
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runner %d: %w", id, err)
	}
	return &RemoteRunner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		OS:     r.GetOS(),
		Status: r.GetStatus(),
		Busy:   r.GetBusy(),
	}, nil
}

// DeleteRunner removes a registration.  Already-gone registrations are
// not an error.
func (c *Client) DeleteRunner(ctx context.Context, id int64) error {
	var (
		resp *github.Response
		err  error
	)
	if c.scope == fleet.ScopeRepository {
		resp, err = c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, id)
	} else {
		resp, err = c.gh.Actions.RemoveOrganizationRunner(ctx, c.owner, id)
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete runner %d: %w", id, err)
	}
	return nil
}

// CreateRegistrationToken mints a one-time token for config-time runner
// registration.
func (c *Client) CreateRegistrationToken(ctx context.Context) (*Token, error) {
	var (
		tok *github.RegistrationToken
		err error
	)
	if c.scope == fleet.ScopeRepository {
		tok, _, err = c.gh.Actions.CreateRegistrationToken(ctx, c.owner, c.repo)
	} else {
		tok, _, err = c.gh.Actions.CreateOrganizationRegistrationToken(ctx, c.owner)
	}
	if err != nil {
		return nil, fmt.Errorf("create registration token: %w", err)
	}
	return &Token{Value: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}, nil
}

// CreateRemovalToken mints a one-time token for graceful deregistration.
func (c *Client) CreateRemovalToken(ctx context.Context) (*Token, error) {
	var (
		tok *github.RemoveToken
		err error
	)
	if c.scope == fleet.ScopeRepository {
		tok, _, err = c.gh.Actions.CreateRemoveToken(ctx, c.owner, c.repo)
	} else {
		tok, _, err = c.gh.Actions.CreateOrganizationRemoveToken(ctx, c.owner)
	}
	if err != nil {
		return nil, fmt.Errorf("create removal token: %w", err)
	}
	return &Token{Value: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}, nil
}

// RunnerDownload finds the binary archive matching the given platform
// and architecture, using the platform's own OS/arch naming.
func (c *Client) RunnerDownload(ctx context.Context, platform, arch string) (*Download, error) {
	var (
		downloads []*github.RunnerApplicationDownload
		err       error
	)
	if c.scope == fleet.ScopeRepository {
		downloads, _, err = c.gh.Actions.ListRunnerApplicationDownloads(ctx, c.owner, c.repo)
	} else {
		downloads, _, err = c.gh.Actions.ListOrganizationRunnerApplicationDownloads(ctx, c.owner)
	}
	if err != nil {
		return nil, fmt.Errorf("list runner downloads: %w", err)
	}

	wantOS, wantArch := DownloadOS(platform), DownloadArch(arch)
	for _, d := range downloads {
		if d.GetOS() == wantOS && d.GetArchitecture() == wantArch {
			return &Download{
				OS:           d.GetOS(),
				Architecture: d.GetArchitecture(),
				Filename:     d.GetFilename(),
				URL:          d.GetDownloadURL(),
			}, nil
		}
	}
	return nil, fmt.Errorf("no runner download for %s/%s", wantOS, wantArch)
}

// CreateWebhook installs a workflow-job webhook pointing at url and
// returns its id.
func (c *Client) CreateWebhook(ctx context.Context, url, secret string) (int64, error) {
	hook := &github.Hook{
		Active: github.Bool(true),
		Events: []string{"workflow_job"},
		Config: map[string]any{
			"url":          url,
			"content_type": "json",
			"secret":       secret,
		},
	}
	var (
		created *github.Hook
		err     error
	)
	if c.scope == fleet.ScopeRepository {
		created, _, err = c.gh.Repositories.CreateHook(ctx, c.owner, c.repo, hook)
	} else {
		created, _, err = c.gh.Organizations.CreateHook(ctx, c.owner, hook)
	}
	if err != nil {
		return 0, fmt.Errorf("create webhook: %w", err)
	}
	return created.GetID(), nil
}

// DeleteWebhook removes a previously installed webhook.
func (c *Client) DeleteWebhook(ctx context.Context, id int64) error {
	var (
		resp *github.Response
		err  error
	)
	if c.scope == fleet.ScopeRepository {
		resp, err = c.gh.Repositories.DeleteHook(ctx, c.owner, c.repo, id)
	} else {
		resp, err = c.gh.Organizations.DeleteHook(ctx, c.owner, id)
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete webhook %d: %w", id, err)
	}
	return nil
}

// CreateInstallationToken exchanges an app JWT for a short-lived
// installation token.  The jwt authenticates the app itself, so this is
// a free function building its own client rather than a method on the
// credential-scoped Client.  An empty baseURL means the public API.
func CreateInstallationToken(ctx context.Context, appJWT string, installationID int64, baseURL string) (string, time.Time, error) {
	gh := github.NewClient(newHTTPClient()).WithAuthToken(appJWT)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("api base url %q: %w", baseURL, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}
	tok, _, err := gh.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create installation token: %w", err)
	}
	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}

// DownloadOS maps a runner platform to the download list's OS name.
func DownloadOS(platform string) string {
	switch platform {
	case "windows":
		return "win"
	case "darwin":
		return "osx"
	default:
		return "linux"
	}
}

// DownloadArch maps a runner architecture to the download list's name.
func DownloadArch(arch string) string {
	switch arch {
	case "amd64":
		return "x64"
	default:
		return arch
	}
}
