package apiclient

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"brandwriter/jobwatch-service/internal/badge"
	"brandwriter/jobwatch-service/internal/listfilter"
)

// ID is an opaque identifier that backends encode as either a JSON number or a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// ScanOptions mirrors the scan request body of the email service.
type ScanOptions struct {
	ScanWebsite  bool `json:"scan_website"`
	ScanLinkedIn bool `json:"scan_linkedin"`
	MaxPages     int  `json:"max_pages,omitempty"`
	VerifyEmails bool `json:"verify_emails"`
}

// DefaultScanOptions matches the backend defaults.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{ScanWebsite: true, MaxPages: 5, VerifyEmails: true}
}

type scanStartResponse struct {
	ScanJobID ID `json:"scan_job_id"`
}

type bulkVerifyRequest struct {
	EmailIDs  []int `json:"email_ids"`
	CheckMX   bool  `json:"check_mx"`
	CheckSMTP bool  `json:"check_smtp"`
}

type bulkVerifyResponse struct {
	JobID       ID  `json:"job_id"`
	TotalEmails int `json:"total_emails"`
}

type campaignSendRequest struct {
	CampaignID int `json:"campaign_id"`
	DailyLimit int `json:"daily_limit,omitempty"`
}

// CampaignSend is the acknowledgement of POST /campaigns/send.
type CampaignSend struct {
	Message    string `json:"message"`
	CampaignID int    `json:"campaign_id"`
	BatchID    ID     `json:"batch_id,omitempty"`
}

// Email is one row of GET /emails/.
type Email struct {
	ID                 int    `json:"id"`
	EmailAddress       string `json:"email_address"`
	PersonName         string `json:"person_name"`
	Role               string `json:"role"`
	Status             string `json:"status"`
	VerificationStatus string `json:"verification_status"`
	QualityScore       *int   `json:"quality_score"`
	Company            string `json:"company"`
}

// Badge classifies the email by its verification status, falling back to its quality score.
func (e Email) Badge() badge.Badge {
	in := badge.Input{VerificationStatus: e.VerificationStatus}
	if e.QualityScore != nil {
		in.Confidence = badge.FromQualityScore(*e.QualityScore)
	}
	return badge.Map(in)
}

func (e Email) Score() (float64, bool) {
	if e.QualityScore == nil {
		return 0, false
	}
	return float64(*e.QualityScore), true
}

func (e Email) Field(name string) string {
	switch name {
	case listfilter.FieldStatus:
		return e.Status
	case listfilter.FieldBucket:
		return string(e.Badge().Label)
	case "verification_status":
		return e.VerificationStatus
	}
	return ""
}

func (e Email) Title() string { return strings.TrimSpace(e.PersonName + " " + e.EmailAddress) }

// EmailFilter holds the server-side parameters of GET /emails/.
type EmailFilter struct {
	Status             string
	VerificationStatus string
	CompanyID          string
	Skip               int
	Limit              int
}

func (f EmailFilter) values() url.Values {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", f.Status)
	}
	if f.VerificationStatus != "" {
		v.Set("verification_status", f.VerificationStatus)
	}
	if f.CompanyID != "" {
		v.Set("company_id", f.CompanyID)
	}
	if f.Skip > 0 {
		v.Set("skip", strconv.Itoa(f.Skip))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// Lead is one entry of the lead inbox. Score is 0–100.
type Lead struct {
	ID          ID       `json:"id"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Company     string   `json:"company"`
	Bucket      string   `json:"bucket"`
	LeadScore   *int     `json:"score"`
	Keywords    []string `json:"keywords"`
	Status      string   `json:"status"`
	Headline    string   `json:"headline"`
	LinkedInURL string   `json:"linkedin_url"`
}

// Badge classifies the lead by its score.
func (l Lead) Badge() badge.Badge {
	if l.LeadScore == nil {
		return badge.Map(badge.Input{})
	}
	return badge.Map(badge.Input{Confidence: badge.FromQualityScore(*l.LeadScore)})
}

func (l Lead) Score() (float64, bool) {
	if l.LeadScore == nil {
		return 0, false
	}
	return float64(*l.LeadScore), true
}

func (l Lead) Field(name string) string {
	switch name {
	case listfilter.FieldBucket:
		return l.Bucket
	case listfilter.FieldStatus:
		return l.Status
	}
	return ""
}

func (l Lead) Title() string { return l.Name + " " + l.Company + " " + l.Headline }

// Presign is the answer of POST /v1/assets/presign.
type Presign struct {
	UploadURL string `json:"upload_url"`
	FileURL   string `json:"file_url"`
}

// HealthStatus is the result of probing one backend.
type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health states.
const (
	Healthy   = "healthy"
	Unhealthy = "unhealthy"
)

// Item is one record of a generic collection such as the basket or the drafts.
type Item map[string]any

// scoreKeys are tried in order by Item.Score.
var scoreKeys = []string{"score", "lead_score", "quality_score"}

func (it Item) Score() (float64, bool) {
	for _, k := range scoreKeys {
		if f, ok := it[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func (it Item) Field(name string) string {
	switch v := it[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (it Item) Title() string {
	parts := make([]string, 0, 3)
	for _, k := range []string{"title", "name", "subject"} {
		if s, ok := it[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
