package apierr_test

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"brandwriter/jobwatch-service/internal/apierr"
	"brandwriter/jobwatch-service/internal/logger"
)

// ── Normalize: the five documented body shapes ─────────────────────────────

func TestNormalize_Shapes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"unparsable body", 500, `<html>Bad Gateway</html>`, "HTTP error! status: 500"},
		{"empty body", 503, ``, "HTTP error! status: 503"},
		{"validation array", 422, `{"detail":[{"loc":["body","email"],"msg":"invalid format"}]}`, "email: invalid format"},
		{"validation with bare entry", 422, `{"detail":[{"loc":["body","email"],"msg":"invalid format"},"oops"]}`, "email: invalid format, field: oops"},
		{"validation numeric msg", 422, `{"detail":[{"loc":["body","age"],"msg":123}]}`, "age: 123"},
		{"validation loc not array", 422, `{"detail":[{"loc":"body","msg":"bad"}]}`, "field: bad"},
		{"detail string", 404, `{"detail":"Not found"}`, "Not found"},
		{"message string", 400, `{"message":"Campaign is not active"}`, "Campaign is not active"},
		{"unknown shape", 418, `{"error":"teapot"}`, "Request failed with status 418"},
		{"json array body", 500, `["oops"]`, "Request failed with status 500"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := apierr.Normalize(c.status, []byte(c.body))
			assert.Equal(t, c.want, got.Message)
			assert.Equal(t, c.status, got.StatusCode)
		})
	}
}

func TestNormalize_ValidationJoinsEntries(t *testing.T) {
	body := `{"detail":[
		{"loc":["body","email"],"msg":"invalid format"},
		{"loc":["body","items",0,"name"],"msg":"field required"},
		{"msg":"no location"}
	]}`
	got := apierr.Normalize(http.StatusUnprocessableEntity, []byte(body))

	assert.Equal(t, "email: invalid format, items.0.name: field required, field: no location", got.Message)
	require.Len(t, got.FieldErrors, 3)
	assert.Equal(t, apierr.FieldError{Field: "items.0.name", Message: "field required"}, got.FieldErrors[1])
	assert.True(t, apierr.IsValidation(got))
}

// detail wins over message, in priority order.
func TestNormalize_DetailBeatsMessage(t *testing.T) {
	got := apierr.Normalize(400, []byte(`{"detail":"from detail","message":"from message"}`))
	assert.Equal(t, "from detail", got.Message)
}

// A null or numeric detail is neither an array nor a string.
func TestNormalize_NonStringDetailFallsThrough(t *testing.T) {
	got := apierr.Normalize(400, []byte(`{"detail":null,"message":"fallback"}`))
	assert.Equal(t, "fallback", got.Message)

	got = apierr.Normalize(400, []byte(`{"detail":42}`))
	assert.Equal(t, "Request failed with status 400", got.Message)
}

func TestNormalize_Deterministic(t *testing.T) {
	body := []byte(`{"detail":[{"loc":["body","a"],"msg":"x"},{"loc":["body","b"],"msg":"y"}]}`)
	first := apierr.Normalize(422, body)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, apierr.Normalize(422, body))
	}
}

// ── Normalizer logs the raw failure ────────────────────────────────────────

func TestNormalizer_LogsRawBody(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := apierr.NewNormalizer(logger.FromZap(zap.New(core)))

	e := n.Normalize(http.MethodGet, "http://email/scans/9/status", 404, []byte(`{"detail":"Scan job not found"}`))

	assert.Equal(t, "Scan job not found", e.Message)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, `{"detail":"Scan job not found"}`, entry.ContextMap()["body"])
}

// ── Helpers ────────────────────────────────────────────────────────────────

func TestAs_ThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("get scan status: %w", apierr.Normalize(404, []byte(`{"detail":"gone"}`)))

	e, ok := apierr.As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "gone", e.Message)
	assert.True(t, apierr.IsNotFound(wrapped))
	assert.False(t, apierr.IsValidation(wrapped))

	_, ok = apierr.As(errors.New("plain"))
	assert.False(t, ok)
}

// ── Presentation ───────────────────────────────────────────────────────────

var errBusy = errors.New("already running")

func TestViewOf(t *testing.T) {
	busy := func(err error) (int, bool) {
		if errors.Is(err, errBusy) {
			return http.StatusConflict, true
		}
		return 0, false
	}

	v := apierr.ViewOf(apierr.Normalize(422, []byte(`{"detail":[{"loc":["body","email"],"msg":"bad"}]}`)), busy)
	assert.Equal(t, 422, v.Status)
	assert.Len(t, v.FieldErrors, 1)

	v = apierr.ViewOf(fmt.Errorf("start: %w", errBusy), busy)
	assert.Equal(t, http.StatusConflict, v.Status)

	v = apierr.ViewOf(errors.New("dial tcp: connection refused"), busy)
	assert.Equal(t, http.StatusBadGateway, v.Status)
	assert.Equal(t, "request failed: dial tcp: connection refused", v.Message)
}

func TestJSONPresenter_WritesStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	v := apierr.ViewOf(apierr.Normalize(422, []byte(`{"detail":[{"loc":["body","email"],"msg":"bad"}]}`)))

	require.NoError(t, apierr.JSONPresenter{}.Present(rec, v))

	assert.Equal(t, 422, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"email: bad","fieldErrors":[{"field":"email","message":"bad"}]}`, rec.Body.String())
}

func TestTextPresenter(t *testing.T) {
	var buf bytes.Buffer
	v := apierr.ViewOf(apierr.Normalize(422, []byte(`{"detail":[{"loc":["body","email"],"msg":"bad"},{"loc":["body","name"],"msg":"missing"}]}`)))

	require.NoError(t, apierr.TextPresenter{}.Present(&buf, v))
	assert.Equal(t, "error: email: bad, name: missing\n  email: bad\n  name: missing\n", buf.String())
}
