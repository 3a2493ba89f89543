package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/config"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/watch"
)

// newTestApp serves every backend from mux under the usual path prefixes.
func newTestApp(t *testing.T, mux *http.ServeMux) (*app, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Backends = config.Backends{
		MainURL:  srv.URL + "/api",
		InstaURL: srv.URL + "/insta-api",
		EmailURL: srv.URL + "/email",
	}
	cfg.Credentials.File = filepath.Join(t.TempDir(), "credentials.yaml")
	cfg.Poll.Interval = 20 * time.Millisecond
	return &app{cfg: &cfg, log: logger.NewNop()}, srv
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	cmd.SetErr(io.Discard)
	return runSplit(t, cmd, args...)
}

// runSplit returns stdout; stderr goes wherever cmd already points it.
func runSplit(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestLeadsCommand_SortsByScoreByDefault(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/leads/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"id": 1, "name": "Ada", "score": 55},
			{"id": 2, "name": "Grace", "score": 91},
			{"id": 3, "name": "Linus"},
		})
	})
	a, _ := newTestApp(t, mux)

	out, err := run(t, a.leadsCommand(), "-o", "json")
	require.NoError(t, err)

	var leads []apiclient.Lead
	require.NoError(t, json.Unmarshal([]byte(out), &leads))
	names := make([]string, 0, len(leads))
	for _, l := range leads {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"Grace", "Ada", "Linus"}, names)

	out, err = run(t, a.leadsCommand(), "-o", "json", "--sort", "none")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &leads))
	assert.Equal(t, "Ada", leads[0].Name)
}

func TestResourceList_FiltersServerAndClientSide(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/basket/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "instagram", r.URL.Query().Get("platform"))
		assert.False(t, r.URL.Query().Has("tone"), "tone is evaluated client-side")
		writeJSON(w, []map[string]any{
			{"id": 1, "title": "Teaser", "platform": "instagram", "tone": "playful"},
			{"id": 2, "title": "Launch", "platform": "instagram", "tone": "formal"},
		})
	})
	a, _ := newTestApp(t, mux)

	out, err := run(t, a.resourceCommand(), "list", "basket", "--platform", "instagram", "--tone", "formal", "-o", "csv")
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewBufferString(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"id", "platform", "title", "tone"}, records[0])
	assert.Equal(t, []string{"2", "instagram", "Launch", "formal"}, records[1])
}

func TestResource_UnknownCollection(t *testing.T) {
	a, _ := newTestApp(t, http.NewServeMux())

	_, err := run(t, a.resourceCommand(), "get", "widgets", "1")
	var ve *watch.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Msg, "basket, brands, campaigns, schedules, templates")
}

func TestResourceUpdate_SendsData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /email/campaigns/5", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Spring", body["name"])
		writeJSON(w, map[string]any{"id": 5, "name": "Spring"})
	})
	a, _ := newTestApp(t, mux)

	out, err := run(t, a.resourceCommand(), "update", "campaigns", "5", "--data", `{"name":"Spring"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Spring"`)

	_, err = run(t, a.resourceCommand(), "update", "campaigns", "5", "--data", `{nope`)
	var ve *watch.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestLoginLogout(t *testing.T) {
	a, _ := newTestApp(t, http.NewServeMux())
	stored := func() (string, string) {
		creds := apiclient.NewStoredCredentials(config.Credentials{File: a.cfg.Credentials.File})
		token, err := creds.AuthToken()
		require.NoError(t, err)
		key, err := creds.InstaAPIKey()
		require.NoError(t, err)
		return token, key
	}

	_, err := run(t, a.loginCommand())
	assert.Error(t, err, "login without any value is refused")

	_, err = run(t, a.loginCommand(), "--token", "t1", "--insta-key", "k1")
	require.NoError(t, err)
	_, err = run(t, a.loginCommand(), "--token", "t2")
	require.NoError(t, err)

	token, key := stored()
	assert.Equal(t, "t2", token)
	assert.Equal(t, "k1", key, "omitted flags keep the stored value")

	_, err = run(t, a.logoutCommand())
	require.NoError(t, err)
	_, err = os.Stat(a.cfg.Credentials.File)
	assert.True(t, os.IsNotExist(err))
}

func TestUpload_PresignsThenPuts(t *testing.T) {
	var (
		gotType string
		gotBody string
	)
	mux := http.NewServeMux()
	a, srv := newTestApp(t, mux)
	mux.HandleFunc("POST /api/v1/assets/presign", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "logo.png", body["filename"])
		writeJSON(w, map[string]string{
			"upload_url": srv.URL + "/storage/logo.png",
			"file_url":   "https://cdn.example.com/logo.png",
		})
	})
	mux.HandleFunc("PUT /storage/logo.png", func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	path := filepath.Join(t.TempDir(), "logo.png")
	require.NoError(t, os.WriteFile(path, []byte("PNGDATA"), 0o600))

	out, err := run(t, a.uploadCommand(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/logo.png\n", out)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "PNGDATA", gotBody)
}

func TestScanCommand_ProgressOnStderr(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /email/companies/42/scan", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"scan_job_id": 9})
	})
	mux.HandleFunc("GET /email/scans/9/status", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(w, map[string]any{"id": 9, "status": "running", "progress_percentage": 50})
			return
		}
		writeJSON(w, map[string]any{"id": 9, "status": "completed", "progress_percentage": 100, "people_found": 1, "emails_found": 1})
	})
	mux.HandleFunc("GET /email/emails/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "draft", r.URL.Query().Get("status"))
		writeJSON(w, []map[string]any{{"id": 1, "email_address": "ada@example.com", "status": "draft"}})
	})
	a, _ := newTestApp(t, mux)

	var stderr bytes.Buffer
	cmd := a.scanCommand()
	cmd.SetErr(&stderr)
	out, err := runSplit(t, cmd, "42", "-o", "csv")
	require.NoError(t, err)

	assert.Contains(t, stderr.String(), "[scan 9]")
	assert.Contains(t, stderr.String(), "people found: 1, emails found: 1")
	assert.False(t, strings.Contains(out, "[scan"), "stdout carries only the result table")
	assert.Contains(t, out, "ada@example.com")
}
