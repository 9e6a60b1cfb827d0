// Package gitlab is the forge-facing client: project discovery and pipeline
// listing over REST, incremental group scans and user lookups over GraphQL.
// Both transports share one HTTP client, one rate limiter, and one circuit
// breaker, so a misbehaving remote is backed off as a unit. Remote rows are
// normalized into store fact rows at this boundary.
package gitlab

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/store"
	"github.com/sony/gobreaker"
	glab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second

	projectsPerPage  = 100
	pipelinesPerPage = 100

	// breakerFailures consecutive remote failures open the circuit;
	// breakerCooldown later it half-opens for a probe.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// Options configures the forge client.
type Options struct {
	// BaseURL is the forge root, e.g. https://gitlab.example.com.
	BaseURL string

	// Token is the long-lived private token sent on every request.
	Token string

	// Timeout bounds each HTTP exchange. Defaults to 30s.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing calls. Zero means unlimited.
	RequestsPerSecond float64

	// SkipInvalidCerts disables TLS certificate verification.
	SkipInvalidCerts bool

	// Logger receives records about skipped rows and breaker transitions.
	// Defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to one forge instance over REST and GraphQL.
type Client struct {
	rest    *glab.Client
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
	baseURL string
	token   string
}

// New builds a Client from the given options.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpc := &http.Client{Timeout: timeout}
	if opts.SkipInvalidCerts {
		httpc.Transport = &http.Transport{
			//nolint:gosec // operator opt-in for forges with self-signed certificates.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	// Retrying lives with the callers (the backfill's backoff) and the
	// circuit breaker; the transport must not retry underneath them.
	rest, err := glab.NewClient(opts.Token,
		glab.WithBaseURL(opts.BaseURL),
		glab.WithHTTPClient(httpc),
		glab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("create forge client: %w", err)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "forge",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// A missing group is a configuration problem, not remote
		// degradation; it must not shut out the healthy groups.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGroupNotFound)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("forge circuit state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		rest:    rest,
		httpc:   httpc,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
	}, nil
}

// guard funnels one logical forge operation through the circuit breaker.
// An open circuit rejects the operation without touching the remote.
func (c *Client) guard(op func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, op()
	})

	return err
}

// DiscoverProjects enumerates every non-archived project reachable from the
// given group paths, subgroups included, across all pages.
func (c *Client) DiscoverProjects(ctx context.Context, groups []string) ([]Project, error) {
	var all []Project

	for _, group := range groups {
		projects, err := c.groupProjects(ctx, group)
		if err != nil {
			return nil, err
		}

		all = append(all, projects...)
	}

	return all, nil
}

func (c *Client) groupProjects(ctx context.Context, group string) ([]Project, error) {
	archived := false
	includeSubGroups := true
	opt := &glab.ListGroupProjectsOptions{
		ListOptions:      glab.ListOptions{PerPage: projectsPerPage, Page: 1},
		Archived:         &archived,
		IncludeSubGroups: &includeSubGroups,
	}

	var projects []Project

	err := c.guard(func() error {
		for {
			waitErr := c.limiter.Wait(ctx)
			if waitErr != nil {
				return waitErr
			}

			page, resp, listErr := c.rest.Groups.ListGroupProjects(group, opt, glab.WithContext(ctx))
			if listErr != nil {
				return listErr
			}

			for _, p := range page {
				projects = append(projects, newProject(p))
			}

			if resp == nil || resp.NextPage == 0 {
				return nil
			}

			opt.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list projects of group %q: %w", ErrRemote, group, err)
	}

	return projects, nil
}

// ProjectPipelines lists every pipeline of a project across all pages,
// bounded below by updatedAfter when non-zero.
func (c *Client) ProjectPipelines(ctx context.Context, project Project, updatedAfter time.Time) ([]store.Pipeline, error) {
	opt := &glab.ListProjectPipelinesOptions{
		ListOptions: glab.ListOptions{PerPage: pipelinesPerPage, Page: 1},
	}
	if !updatedAfter.IsZero() {
		opt.UpdatedAfter = &updatedAfter
	}

	var rows []store.Pipeline

	err := c.guard(func() error {
		for {
			waitErr := c.limiter.Wait(ctx)
			if waitErr != nil {
				return waitErr
			}

			page, resp, listErr := c.rest.Pipelines.ListProjectPipelines(project.ID, opt, glab.WithContext(ctx))
			if listErr != nil {
				return listErr
			}

			for _, p := range page {
				rows = append(rows, pipelineFromREST(p, project))
			}

			if resp == nil || resp.NextPage == 0 {
				return nil
			}

			opt.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list pipelines of project %d: %w", ErrRemote, project.ID, err)
	}

	return rows, nil
}

// PipelineUserViaREST fetches one pipeline's detail record and reports the
// triggering user's display name. ok is false when no user is attached.
func (c *Client) PipelineUserViaREST(ctx context.Context, projectID, pipelineID int64) (string, bool, error) {
	var name string

	err := c.guard(func() error {
		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return waitErr
		}

		pipeline, _, getErr := c.rest.Pipelines.GetPipeline(projectID, pipelineID, glab.WithContext(ctx))
		if getErr != nil {
			return getErr
		}

		if pipeline.User != nil {
			name = pipeline.User.Name
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: user of pipeline %d in project %d: %w", ErrRemote, pipelineID, projectID, err)
	}

	return name, name != "", nil
}
