package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// ErrAssignmentNotFound indicates no token of a repository name is a known assignment code.
var ErrAssignmentNotFound = errors.New("assignment not found for repository")

// Resolution is the outcome of mapping a repository name to an assignment and user.
// User is nil when neither username candidate matches a known account.
type Resolution struct {
	Assignment models.Assignment
	Username   string
	User       *models.User
	Candidates []string
}

// OwnerID returns the resolved user id, or nil for a dangling resolution.
func (r Resolution) OwnerID() *uint {
	if r.User == nil {
		return nil
	}
	id := r.User.ID
	return &id
}

// AssignmentCache memoises unique code lookups for the duration of one reconciliation sweep.
type AssignmentCache struct {
	byCode map[string]models.Assignment
	missed map[string]struct{}
}

// NewAssignmentCache creates an empty cache.
func NewAssignmentCache() *AssignmentCache {
	return &AssignmentCache{
		byCode: make(map[string]models.Assignment),
		missed: make(map[string]struct{}),
	}
}

// RepositoryResolver maps repository names of the form <prefix>-<code>-<username> onto assignments and users.
type RepositoryResolver interface {
	Resolve(ctx context.Context, repoName string) (Resolution, error)
	ResolveWithCache(ctx context.Context, repoName string, cache *AssignmentCache) (Resolution, error)
}

type repositoryResolver struct {
	assignments repository.AssignmentRepository
	users       repository.UserRepository
	logger      zerolog.Logger
}

// NewRepositoryResolver constructs a resolver backed by the assignment and user repositories.
func NewRepositoryResolver(assignments repository.AssignmentRepository, users repository.UserRepository, logger zerolog.Logger) RepositoryResolver {
	return &repositoryResolver{
		assignments: assignments,
		users:       users,
		logger:      logger.With().Str("component", "repository_resolver").Logger(),
	}
}

func (r *repositoryResolver) Resolve(ctx context.Context, repoName string) (Resolution, error) {
	return r.ResolveWithCache(ctx, repoName, nil)
}

func (r *repositoryResolver) ResolveWithCache(ctx context.Context, repoName string, cache *AssignmentCache) (Resolution, error) {
	tokens := strings.Split(strings.TrimSpace(repoName), "-")

	position, assignment, err := r.locateAssignment(ctx, tokens, cache)
	if err != nil {
		return Resolution{}, err
	}

	candidates := usernameCandidates(tokens[position+1:])
	resolution := Resolution{Assignment: assignment, Candidates: candidates}
	if len(candidates) == 0 {
		return resolution, nil
	}
	resolution.Username = candidates[0]

	users, err := r.users.FindByGithubUsernames(ctx, candidates)
	if err != nil {
		return Resolution{}, err
	}

	byUsername := make(map[string]models.User, len(users))
	for _, user := range users {
		if user.GithubUsername != nil {
			byUsername[*user.GithubUsername] = user
		}
	}

	var matched []models.User
	for _, candidate := range candidates {
		if user, ok := byUsername[candidate]; ok {
			matched = append(matched, user)
		}
	}

	if len(matched) == 0 {
		return resolution, nil
	}

	if len(matched) > 1 && matched[0].ID != matched[1].ID {
		r.logger.Warn().
			Str("repo", repoName).
			Strs("candidates", candidates).
			Uint("selected_user_id", matched[0].ID).
			Uint("other_user_id", matched[1].ID).
			Msg("username candidates resolve to different users")
	}

	user := matched[0]
	resolution.User = &user
	if user.GithubUsername != nil {
		resolution.Username = *user.GithubUsername
	}

	return resolution, nil
}

// locateAssignment returns the earliest token position holding a known unique code.
func (r *repositoryResolver) locateAssignment(ctx context.Context, tokens []string, cache *AssignmentCache) (int, models.Assignment, error) {
	if cache != nil {
		if position, assignment, ok := cache.lookup(tokens); ok {
			return position, assignment, nil
		}
	}

	codes := uniqueTokens(tokens, cache)
	var byCode map[string]models.Assignment
	if len(codes) > 0 {
		assignments, err := r.assignments.FindByUniqueCodes(ctx, codes)
		if err != nil {
			return 0, models.Assignment{}, err
		}

		byCode = make(map[string]models.Assignment, len(assignments))
		for _, assignment := range assignments {
			if _, seen := byCode[assignment.UniqueCode]; !seen {
				byCode[assignment.UniqueCode] = assignment
			}
		}

		if cache != nil {
			cache.store(codes, byCode)
		}
	}

	for position, token := range tokens {
		if assignment, ok := byCode[token]; ok {
			return position, assignment, nil
		}
	}

	return 0, models.Assignment{}, ErrAssignmentNotFound
}

func (c *AssignmentCache) lookup(tokens []string) (int, models.Assignment, bool) {
	for position, token := range tokens {
		if assignment, ok := c.byCode[token]; ok {
			return position, assignment, true
		}
	}

	return 0, models.Assignment{}, false
}

func (c *AssignmentCache) store(codes []string, found map[string]models.Assignment) {
	for _, code := range codes {
		if assignment, ok := found[code]; ok {
			c.byCode[code] = assignment
			continue
		}
		c.missed[code] = struct{}{}
	}
}

// uniqueTokens returns the distinct non-empty tokens not already known to miss.
func uniqueTokens(tokens []string, cache *AssignmentCache) []string {
	seen := make(map[string]struct{}, len(tokens))
	codes := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		if cache != nil {
			if _, missed := cache.missed[token]; missed {
				continue
			}
		}
		codes = append(codes, token)
	}

	return codes
}

// usernameCandidates returns the full remainder and, when it has at least two tokens,
// the remainder without its trailing suffix.
func usernameCandidates(remainder []string) []string {
	if len(remainder) == 0 {
		return nil
	}

	candidates := []string{strings.Join(remainder, "-")}
	if len(remainder) >= 2 {
		candidates = append(candidates, strings.Join(remainder[:len(remainder)-1], "-"))
	}

	return candidates
}
