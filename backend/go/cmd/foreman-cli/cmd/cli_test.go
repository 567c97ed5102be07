package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, query, auth string
	body                      map[string]interface{}
}

func fakeServer(t *testing.T, status int, reply interface{}) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method, rec.path, rec.query = r.Method, r.URL.Path, r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEventsEmitPostsRequest(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusCreated, map[string]interface{}{
		"event":       map[string]interface{}{"id": "evt-1", "key": "billing:invoice_created"},
		"subscribers": []string{"audit", "ledger"},
	})
	out, err := run(t, "--server", srv.URL, "--token", "tok", "events", "emit", "billing:invoice_created",
		"--data", `{"amount":12}`, "--folder", "f1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/api/v1/events", rec.path)
	assert.Equal(t, "Bearer tok", rec.auth)
	assert.Equal(t, "billing:invoice_created", rec.body["key"])
	assert.Equal(t, "f1", rec.body["targetFolderId"])
	assert.Equal(t, float64(12), rec.body["data"].(map[string]interface{})["amount"])
	assert.Contains(t, out, "Event emitted: evt-1")
	assert.Contains(t, out, "Receipts created: 2")
}

func TestEventsEmitRejectsBadInput(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusCreated, map[string]interface{}{})
	_, err := run(t, "--server", srv.URL, "events", "emit", "not-namespaced", "--data", "", "--folder", "")
	assert.Error(t, err)
	_, err = run(t, "--server", srv.URL, "events", "emit", "billing:x", "--data", "[1,2]")
	assert.Error(t, err)
	assert.Empty(t, rec.method, "nothing is sent for invalid input")
}

func TestEventsPendingTable(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, map[string]interface{}{
		"pending": []map[string]interface{}{{"subscriber": "ledger", "eventKey": "billing:invoice_created", "count": 3}},
	})
	out, err := run(t, "--server", srv.URL, "events", "pending", "--subscriber", "ledger")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/events/pending", rec.path)
	assert.Equal(t, "subscriber=ledger", rec.query)
	assert.Contains(t, out, "SUBSCRIBER")
	assert.Contains(t, out, "billing:invoice_created")
}

func TestTasksGetSurfacesServerErrors(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusNotFound, map[string]interface{}{"error": "task t9 not found", "code": "TASK_NOT_FOUND"})
	_, err := run(t, "--server", srv.URL, "tasks", "get", "t9", "--full")
	require.Error(t, err)
	assert.Equal(t, "/api/v1/operator/tasks/t9", rec.path)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
}

func TestTasksGetPrintsJSON(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, map[string]interface{}{"id": "t1", "status": "completed"})
	out, err := run(t, "--server", srv.URL, "tasks", "get", "t1", "--full=false")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tasks/t1", rec.path)
	assert.Contains(t, out, `"status": "completed"`)
}

func TestTasksCompleteReportsFailure(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, map[string]interface{}{
		"applied": true, "task": map[string]interface{}{"id": "t1", "status": "failed"},
	})
	out, err := run(t, "--server", srv.URL, "tasks", "complete", "t1", "--failed", "--message", "render crashed")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tasks/t1/complete", rec.path)
	assert.Equal(t, false, rec.body["success"])
	assert.Equal(t, "render crashed", rec.body["message"])
	assert.Contains(t, out, "Task t1 is now failed.")
	completeFail, completeMsg = false, ""
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("FOREMAN_JWT_SECRET", "")
	_, err := run(t, "token", "billing")
	assert.Error(t, err)

	t.Setenv("FOREMAN_JWT_SECRET", "s3cret")
	out, err := run(t, "token", "wm-1", "--role", "worker")
	require.NoError(t, err)
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, out)

	_, err = run(t, "token", "wm-1", "--role", "root")
	assert.Error(t, err)
	tokenRole = "app"
}
