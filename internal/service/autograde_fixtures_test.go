package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/pkg/github"
	"github.com/noah-isme/gema-autograde/pkg/queue"
)

const testOrganization = "os3224"

var errBrokerDown = errors.New("broker unavailable")

type recordingPublisher struct {
	mu     sync.Mutex
	jobs   []queue.Job
	failOn map[string]bool
	calls  int
	// failAfter makes every publish after the first n calls fail; negative disables it.
	failAfter int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{failOn: map[string]bool{}, failAfter: -1}
}

func (p *recordingPublisher) Publish(_ context.Context, job queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failOn[job.Kind] || (p.failAfter >= 0 && p.calls > p.failAfter) {
		return errBrokerDown
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) byKind(kind string) []queue.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []queue.Job
	for _, job := range p.jobs {
		if job.Kind == kind {
			matched = append(matched, job)
		}
	}
	return matched
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = nil
	p.calls = 0
}

type fakeHosting struct {
	repos []github.Repository
	err   error
	calls int
}

func (f *fakeHosting) ListRepositories(context.Context) ([]github.Repository, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.repos, nil
}

type harness struct {
	db          *gorm.DB
	publisher   *recordingPublisher
	hosting     *fakeHosting
	dispatcher  service.Dispatcher
	resolver    service.RepositoryResolver
	lifecycle   service.SubmissionLifecycle
	assignments repository.AssignmentRepository
	repos       repository.AssignmentRepoRepository
	submissions repository.SubmissionRepository
	sessions    repository.TheiaSessionRepository
	validate    *validator.Validate
	logger      zerolog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Assignment{},
		&models.AssignmentTest{},
		&models.AssignmentRepo{},
		&models.Submission{},
		&models.SubmissionBuild{},
		&models.SubmissionTestResult{},
		&models.TheiaSession{},
	))

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	publisher := newRecordingPublisher()

	h := &harness{
		db:          db,
		publisher:   publisher,
		hosting:     &fakeHosting{},
		assignments: repository.NewAssignmentRepository(db),
		repos:       repository.NewAssignmentRepoRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		sessions:    repository.NewTheiaSessionRepository(db),
		validate:    validate,
		logger:      logger,
	}
	h.dispatcher = service.NewDispatcher(publisher, logger)
	h.resolver = service.NewRepositoryResolver(h.assignments, repository.NewUserRepository(db), logger)
	h.lifecycle = service.NewSubmissionLifecycle(h.assignments, h.submissions, h.dispatcher, validate, logger)

	return h
}

func (h *harness) webhook(settings service.WebhookSettings) service.WebhookService {
	if settings.Organization == "" {
		settings.Organization = testOrganization
	}
	return service.NewWebhookService(h.resolver, h.repos, h.submissions, h.lifecycle, h.validate, settings, h.logger)
}

func (h *harness) regrade(chunkSize int) service.RegradeService {
	return service.NewRegradeService(h.assignments, h.submissions, h.lifecycle, h.dispatcher, chunkSize, h.logger)
}

func (h *harness) reaper(settings service.ReaperSettings) service.ReaperService {
	return service.NewReaperService(service.ReaperDependencies{
		Assignments: h.assignments,
		Repos:       h.repos,
		Submissions: h.submissions,
		Sessions:    h.sessions,
		Resolver:    h.resolver,
		Lifecycle:   h.lifecycle,
		Dispatcher:  h.dispatcher,
		Hosting:     h.hosting,
	}, settings, h.logger)
}

func (h *harness) seedUser(t *testing.T, netID, githubUsername string) models.User {
	t.Helper()
	user := models.User{NetID: netID, Name: netID}
	if githubUsername != "" {
		user.GithubUsername = &githubUsername
	}
	require.NoError(t, h.db.Create(&user).Error)
	return user
}

func (h *harness) seedAssignment(t *testing.T, name, code string, tests ...string) models.Assignment {
	t.Helper()
	assignment := models.Assignment{
		Name:             name,
		UniqueCode:       code,
		AutogradeEnabled: true,
		ReleaseDate:      time.Now().Add(-7 * 24 * time.Hour),
		DueDate:          time.Now().Add(7 * 24 * time.Hour),
	}
	for _, test := range tests {
		assignment.Tests = append(assignment.Tests, models.AssignmentTest{Name: test})
	}
	require.NoError(t, h.db.Create(&assignment).Error)
	return assignment
}

func (h *harness) countSubmissions(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&models.Submission{}).Count(&count).Error)
	return count
}

func (h *harness) countRepos(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&models.AssignmentRepo{}).Count(&count).Error)
	return count
}

func jobSubmissionID(t *testing.T, job queue.Job) uint {
	t.Helper()
	var id uint
	require.NoError(t, job.DecodeArgs(&id))
	return id
}

func (h *harness) seedSubmission(t *testing.T, assignment models.Assignment, commit string, ownerID *uint, processed bool) models.Submission {
	t.Helper()
	binding, _, err := h.repos.Ensure(context.Background(), models.AssignmentRepo{
		AssignmentID: assignment.ID,
		RepoURL:      "https://github.com/" + testOrganization + "/repo-" + commit,
		OwnerID:      ownerID,
	})
	require.NoError(t, err)

	submission := models.NewSubmission(commit, assignment.ID, binding.ID, ownerID)
	require.NoError(t, h.submissions.Create(context.Background(), &submission))
	if processed {
		require.NoError(t, h.db.Model(&models.Submission{}).Where("id = ?", submission.ID).
			UpdateColumns(map[string]interface{}{"processed": true, "control": models.ControlTerminal, "state": "Tests complete"}).Error)
		submission.Processed = true
		submission.Control = models.ControlTerminal
	}
	return submission
}
