package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newTestClient(t *testing.T, endpoint string, maxRetries int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Token:        "token",
		Organization: "os3224",
		Endpoint:     endpoint,
		PageSize:     2,
		MaxPages:     3,
		HistoryDepth: 5,
		MaxRetries:   maxRetries,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return client
}

func TestListRepositoriesFollowsPagination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "organization(login: $org)")
		assert.Equal(t, "os3224", req.Variables["org"])
		assert.EqualValues(t, 5, req.Variables["depth"])

		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			assert.Nil(t, req.Variables["after"])
			_, _ = w.Write([]byte(`{"data":{"organization":{"repositories":{
				"pageInfo":{"hasNextPage":true,"endCursor":"c1"},
				"nodes":[
					{"name":"os3224-assignment-1-abc123-jdoe","url":"https://github.com/os3224/os3224-assignment-1-abc123-jdoe",
					 "defaultBranchRef":{"name":"master","target":{"history":{"nodes":[{"oid":"bbb"},{"oid":"aaa"}]}}}},
					{"name":"empty","url":"https://github.com/os3224/empty","defaultBranchRef":null}
				]}}}}`))
			return
		}
		assert.Equal(t, "c1", req.Variables["after"])
		_, _ = w.Write([]byte(`{"data":{"organization":{"repositories":{
			"pageInfo":{"hasNextPage":false,"endCursor":""},
			"nodes":[{"name":"last","url":"https://github.com/os3224/last","defaultBranchRef":{"name":"main","target":{"history":{"nodes":[{"oid":"ccc"}]}}}}]}}}}`))
	}))
	defer server.Close()

	repos, err := newTestClient(t, server.URL, 0).ListRepositories(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 3)
	require.Equal(t, "os3224-assignment-1-abc123-jdoe", repos[0].Name)
	require.Equal(t, []string{"bbb", "aaa"}, repos[0].Commits)
	require.Equal(t, "master", repos[0].DefaultBranch)
	require.Empty(t, repos[1].Commits)
	require.Equal(t, "main", repos[2].DefaultBranch)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestListRepositoriesRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"organization":{"repositories":{"pageInfo":{"hasNextPage":false},"nodes":[]}}}}`))
	}))
	defer server.Close()

	repos, err := newTestClient(t, server.URL, 0).ListRepositories(context.Background())
	require.NoError(t, err)
	require.Empty(t, repos)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestListRepositoriesCapsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"organization":{"repositories":{"pageInfo":{"hasNextPage":false},"nodes":[]}}}}`))
	}))
	defer server.Close()

	start := time.Now()
	_, err := newTestClient(t, server.URL, 0).ListRepositories(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRetryBudget(t *testing.T) {
	cases := []struct {
		name       string
		maxRetries int
		wantCalls  int32
	}{
		{name: "zero selects the default", maxRetries: 0, wantCalls: DefaultMaxRetries + 1},
		{name: "explicit budget", maxRetries: 1, wantCalls: 2},
		{name: "retries disabled", maxRetries: NoRetries, wantCalls: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, tc.maxRetries).ListRepositories(context.Background())
			require.ErrorIs(t, err, ErrUpstreamUnavailable)
			require.Equal(t, tc.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestListRepositoriesReportsUpstreamFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"unauthorized": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
		},
		"graphql errors": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"Could not resolve to an Organization"}]}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"missing organization": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"organization":null}}`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			_, err := newTestClient(t, server.URL, 0).ListRepositories(context.Background())
			require.ErrorIs(t, err, ErrUpstreamUnavailable)
		})
	}
}

func TestNewClientRequiresTokenAndOrganization(t *testing.T) {
	_, err := NewClient(Config{Organization: "os3224"})
	require.Error(t, err)

	_, err = NewClient(Config{Token: "token"})
	require.Error(t, err)
}
