package export_test

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/export"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/poller"
	"brandwriter/jobwatch-service/internal/watch"
)

func intp(v int) *int { return &v }

var leads = []apiclient.Lead{
	{ID: "1", Name: "Ada Lovelace", Company: "Analytical, Ltd", Bucket: "hot", LeadScore: intp(91), Status: "new"},
	{ID: "2", Name: "Bob", Company: "Acme", Bucket: "cold", Status: "contacted"},
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    export.Format
		wantErr bool
	}{
		{"", export.FormatTable, false},
		{"CSV", export.FormatCSV, false},
		{" xlsx ", export.FormatXLSX, false},
		{"json", export.FormatJSON, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		got, err := export.ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestLeads_Table(t *testing.T) {
	tbl := export.Leads(leads)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, len(tbl.Header), len(tbl.Rows[0]))
	assert.Equal(t, 91, tbl.Rows[0][5])
	assert.Equal(t, "High", tbl.Rows[0][6])
	assert.Equal(t, "", tbl.Rows[1][5], "unscored leads have an empty score cell")
	assert.Equal(t, "Unknown", tbl.Rows[1][6])
}

func TestItems_Table(t *testing.T) {
	tbl := export.Items("Basket", []apiclient.Item{
		{"id": 7.0, "title": "Launch reel", "tags": []any{"a", "b"}},
		{"id": 8.0, "platform": "instagram"},
	})

	assert.Equal(t, []string{"id", "platform", "tags", "title"}, tbl.Header)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, []any{7.0, nil, `["a","b"]`, "Launch reel"}, tbl.Rows[0])
	assert.Equal(t, []any{8.0, "instagram", nil, nil}, tbl.Rows[1])
}

func TestWriteCSV_QuotesAndHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, export.Leads(leads)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ID", records[0][0])
	assert.Equal(t, "Analytical, Ltd", records[1][3])
	assert.Equal(t, "91", records[1][5])
}

func TestWriteXLSX_RoundTrip(t *testing.T) {
	emails := []apiclient.Email{
		{ID: 7, EmailAddress: "ada@example.com", Status: "draft", VerificationStatus: "valid", QualityScore: intp(88)},
	}
	var buf bytes.Buffer
	require.NoError(t, export.WriteXLSX(&buf, export.Emails(emails)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Emails"}, f.GetSheetList())
	rows, err := f.GetRows("Emails")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Email", rows[0][1])
	assert.Equal(t, "ada@example.com", rows[1][1])
	assert.Equal(t, "Valid", rows[1][8])
}

func TestRender_Table(t *testing.T) {
	ws := []watch.Watch{{
		ID:           "w-1",
		Kind:         job.KindScan,
		BackendJobID: "17",
		Job:          job.Job{Status: job.StatusCompleted, Progress: 100},
		Outcome:      poller.OutcomeCompleted,
		UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	var buf bytes.Buffer
	require.NoError(t, export.Render(&buf, export.Watches(ws)))

	out := buf.String()
	assert.Contains(t, out, "Watches")
	assert.Contains(t, out, "w-1")
	assert.Contains(t, out, "100%")
	assert.Contains(t, strings.ToLower(out), "1 rows")
}

func TestWrite_JSONKeepsRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, export.FormatJSON, export.Leads(leads), leads))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "Ada Lovelace", got[0]["name"])
	assert.True(t, strings.HasPrefix(buf.String(), "[\n"))
}
