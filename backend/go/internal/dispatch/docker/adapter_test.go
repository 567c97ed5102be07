package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/dispatch/execjob"
	"Foreman/backend/go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu          sync.Mutex
	createCode  int
	createBody  string
	startCode   int
	created     []ContainerSpec
	started     []string
	authHeaders []string
}

func (f *fakeRuntime) snapshot() ([]ContainerSpec, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContainerSpec(nil), f.created...), append([]string(nil), f.started...), append([]string(nil), f.authHeaders...)
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1.43/containers/create":
		var spec ContainerSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		f.created = append(f.created, spec)
		if f.createCode != 0 {
			w.WriteHeader(f.createCode)
			_, _ = w.Write([]byte(f.createBody))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"c0ffee","Warnings":[]}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/start"):
		f.started = append(f.started, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1.43/containers/"), "/start"))
		if f.startCode != 0 {
			w.WriteHeader(f.startCode)
			_, _ = w.Write([]byte(`{"message":"no such image"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newAdapter(t *testing.T, rt *fakeRuntime, auth config.DockerAuthConfig) *Adapter {
	t.Helper()
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)
	a, err := New(config.DockerConfig{
		Endpoint:   srv.URL,
		APIVersion: "1.43",
		Timeout:    "2s",
		Auth:       auth,
		ResultDir:  "/results",
		Handlers: map[string]config.DockerHandlerConfig{
			"pdf-export": {Image: "pdf-export:1", Cmd: []string{"/bin/export"}, Env: map[string]string{"MODE": "fast"}},
		},
	}, config.CircuitBreakerConfig{}, nil)
	require.NoError(t, err)
	return a
}

func dockerTask() *models.Task {
	return &models.Task{
		ID:          "task-9",
		OwnerID:     "docs",
		HandlerKind: models.HandlerDocker,
		HandlerID:   "pdf-export",
		InputData:   models.InputData{"docId": "d1"},
	}
}

func TestRunCreatesAndStartsContainer(t *testing.T) {
	rt := &fakeRuntime{}
	a := newAdapter(t, rt, config.DockerAuthConfig{Type: config.DockerAuthBearer, Token: "tkn"})

	res, err := a.Run(context.Background(), dockerTask())
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, "c0ffee", res.ExternalID)

	created, started, auths := rt.snapshot()
	require.Len(t, created, 1)
	spec := created[0]
	assert.Equal(t, "pdf-export:1", spec.Image)
	require.Len(t, spec.Cmd, 2)
	assert.Equal(t, "/bin/export", spec.Cmd[0])
	job, err := execjob.DecodeArg(spec.Cmd[1])
	require.NoError(t, err)
	assert.Equal(t, "task-9", job.ID)
	assert.Contains(t, spec.Env, "MODE=fast")
	assert.Contains(t, spec.Env, execjob.ResultFileEnv+"=/results/task-9.json")

	assert.Equal(t, []string{"c0ffee"}, started)
	assert.Equal(t, []string{"Bearer tkn", "Bearer tkn"}, auths)
}

func TestAuthSchemes(t *testing.T) {
	assert.Equal(t, "", authHeader(config.DockerAuthConfig{Type: config.DockerAuthNone}))
	assert.Equal(t, "Basic dXNlcjpwYXNz", authHeader(config.DockerAuthConfig{Type: config.DockerAuthBasic, Username: "user", Password: "pass"}))
	assert.Equal(t, "Bearer abc", authHeader(config.DockerAuthConfig{Type: config.DockerAuthBearer, Token: "abc"}))
}

func TestCreateFailureCarriesStatusAndBody(t *testing.T) {
	rt := &fakeRuntime{createCode: http.StatusInternalServerError, createBody: `{"message":"runtime exploded"}`}
	a := newAdapter(t, rt, config.DockerAuthConfig{})

	_, err := a.Run(context.Background(), dockerTask())
	ae := apperror.From(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperror.CodeDockerCreateContainer, ae.Code)
	assert.Equal(t, apperror.OriginInternal, ae.Origin)
	assert.Equal(t, apperror.ClassPermanent, ae.Class)
	assert.Equal(t, 500, ae.Details["status"])
	assert.Contains(t, ae.Details["body"], "runtime exploded")
	assert.Contains(t, ae.Message, "runtime exploded")
	_, started, _ := rt.snapshot()
	assert.Empty(t, started)
}

func TestStartFailure(t *testing.T) {
	rt := &fakeRuntime{startCode: http.StatusNotFound}
	a := newAdapter(t, rt, config.DockerAuthConfig{})

	_, err := a.Run(context.Background(), dockerTask())
	ae := apperror.From(err)
	assert.Equal(t, apperror.CodeDockerStartContainer, ae.Code)
	assert.Equal(t, "c0ffee", ae.Details["containerId"])
	assert.Equal(t, 404, ae.Details["status"])
}

func TestUnknownHandlerAndUnreachableRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	a := newAdapter(t, rt, config.DockerAuthConfig{})
	task := dockerTask()
	task.HandlerID = "nope"
	_, err := a.Run(context.Background(), task)
	assert.Equal(t, apperror.CodeHandlerNotFound, apperror.From(err).Code)

	down, err := New(config.DockerConfig{Endpoint: "http://127.0.0.1:1", Timeout: "200ms",
		Handlers: map[string]config.DockerHandlerConfig{"pdf-export": {Image: "x"}}}, config.CircuitBreakerConfig{}, nil)
	require.NoError(t, err)
	_, err = down.Run(context.Background(), dockerTask())
	ae := apperror.From(err)
	assert.Equal(t, apperror.CodeDockerRequestFailed, ae.Code)
	assert.Equal(t, apperror.ClassTransient, ae.Class)
}
