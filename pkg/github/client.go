package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shurcooL/githubv4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// ErrUpstreamUnavailable wraps every failure to obtain a usable listing.
var ErrUpstreamUnavailable = errors.New("github api unavailable")

const (
	// DefaultMaxRetries is used when Config.MaxRetries is zero.
	DefaultMaxRetries = 3
	// NoRetries disables retries: each GraphQL request is attempted exactly once.
	NoRetries = -1
)

var (
	githubRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "autograde",
		Subsystem: "github",
		Name:      "request_duration_seconds",
		Help:      "Duration of GitHub GraphQL request attempts",
	}, []string{"code"})

	githubRequestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autograde",
		Subsystem: "github",
		Name:      "request_failures_total",
		Help:      "Number of GitHub GraphQL requests that exhausted their retries",
	})
)

// Repository is one organization repository with its recent default-branch
// history, newest commit first.
type Repository struct {
	Name          string
	URL           string
	DefaultBranch string
	Commits       []string
}

// Config configures the GraphQL client.
type Config struct {
	Token        string
	Organization string
	Endpoint     string
	PageSize     int
	MaxPages     int
	HistoryDepth int
	// HTTPClient supplies the transport and per-attempt timeout.
	HTTPClient *http.Client
	// MaxRetries bounds the retries after the first attempt. Zero selects
	// DefaultMaxRetries; NoRetries (or any negative value) turns retries off.
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay also caps a server supplied Retry-After.
	MaxDelay time.Duration
	Logger   zerolog.Logger
}

// Client lists organization repositories through the GitHub GraphQL API.
type Client struct {
	cfg    Config
	api    *githubv4.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

// repositoriesQuery mirrors the organization repositories connection, newest first.
type repositoriesQuery struct {
	Organization *struct {
		Repositories struct {
			PageInfo struct {
				HasNextPage bool
				EndCursor   githubv4.String
			}
			Nodes []repositoryNode
		} `graphql:"repositories(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: DESC})"`
	} `graphql:"organization(login: $org)"`
}

type repositoryNode struct {
	Name             string
	URL              string `graphql:"url"`
	DefaultBranchRef *struct {
		Name   string
		Target struct {
			Commit struct {
				History struct {
					Nodes []struct {
						OID githubv4.GitObjectID `graphql:"oid"`
					}
				} `graphql:"history(first: $depth)"`
			} `graphql:"... on Commit"`
		}
	}
}

// NewClient validates the configuration and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if strings.TrimSpace(cfg.Organization) == "" {
		return nil, fmt.Errorf("github organization is required")
	}

	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.github.com/graphql"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 20
	}
	switch {
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "github_client").Logger()

	return &Client{
		cfg:    cfg,
		api:    githubv4.NewEnterpriseClient(cfg.Endpoint, newHTTPClient(cfg, logger)),
		tracer: otel.Tracer("github.com/noah-isme/gema-autograde/pkg/github"),
		logger: logger,
	}, nil
}

// newHTTPClient stacks token auth over a retrying transport over the instrumented base transport.
func newHTTPClient(cfg Config, logger zerolog.Logger) *http.Client {
	base := &http.Client{Timeout: 30 * time.Second}
	if cfg.HTTPClient != nil {
		base.Timeout = cfg.HTTPClient.Timeout
		base.Transport = cfg.HTTPClient.Transport
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	base.Transport = promhttp.InstrumentRoundTripperDuration(githubRequestDuration, transport)

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = base
	retrying.RetryMax = cfg.MaxRetries
	retrying.RetryWaitMin = cfg.BaseDelay
	retrying.RetryWaitMax = cfg.MaxDelay
	retrying.Logger = retryLogger{logger: logger}
	retrying.Backoff = func(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
		return min(retryablehttp.DefaultBackoff(minWait, maxWait, attempt, resp), maxWait)
	}
	retrying.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		githubRequestFailures.Inc()
		logger.Warn().Err(err).Int("attempts", attempts).Msg("github request gave up")
		return retryablehttp.PassthroughErrorHandler(resp, err, attempts)
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "bearer"}),
			Base:   retrying.StandardClient().Transport,
		},
	}
}

// ListRepositories walks the organization's repositories, newest first, up to
// the configured page limit.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	ctx, span := c.tracer.Start(ctx, "github.list_repositories", trace.WithAttributes(
		attribute.String("github.org", c.cfg.Organization),
	))
	defer span.End()

	variables := map[string]any{
		"org":   githubv4.String(c.cfg.Organization),
		"first": githubv4.Int(c.cfg.PageSize),
		"after": (*githubv4.String)(nil),
		"depth": githubv4.Int(c.cfg.HistoryDepth),
	}

	var repos []Repository
	for page := 0; page < c.cfg.MaxPages; page++ {
		var query repositoriesQuery
		if err := c.api.Query(ctx, &query, variables); err != nil {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
			return nil, err
		}
		if query.Organization == nil {
			err := fmt.Errorf("%w: response missing organization", ErrUpstreamUnavailable)
			span.RecordError(err)
			span.SetStatus(codes.Error, "missing organization")
			return nil, err
		}

		connection := query.Organization.Repositories
		for _, node := range connection.Nodes {
			repos = append(repos, node.toRepository())
		}

		if !connection.PageInfo.HasNextPage || connection.PageInfo.EndCursor == "" {
			break
		}
		variables["after"] = githubv4.NewString(connection.PageInfo.EndCursor)
	}

	span.SetAttributes(attribute.Int("github.repositories", len(repos)))
	c.logger.Debug().Int("repositories", len(repos)).Msg("organization repositories listed")

	return repos, nil
}

func (n repositoryNode) toRepository() Repository {
	repo := Repository{Name: n.Name, URL: n.URL}
	if n.DefaultBranchRef == nil {
		return repo
	}
	repo.DefaultBranch = n.DefaultBranchRef.Name
	for _, commit := range n.DefaultBranchRef.Target.Commit.History.Nodes {
		if commit.OID != "" {
			repo.Commits = append(repo.Commits, string(commit.OID))
		}
	}
	return repo
}

// retryLogger routes retryablehttp's leveled output into zerolog.
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}
