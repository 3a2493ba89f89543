package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"brandwriter/jobwatch-service/internal/job"
)

// ── Scans ──────────────────────────────────────────────────────────────────

// Scans starts and observes website/LinkedIn scans on the email service.
type Scans struct{ c *Client }

// Start launches a scan for a company and returns the backend scan job id.
func (s *Scans) Start(ctx context.Context, companyID string, opts ScanOptions) (string, error) {
	var resp scanStartResponse
	path := "/companies/" + url.PathEscape(companyID) + "/scan"
	if err := s.c.Do(ctx, BackendEmail, http.MethodPost, path, opts, &resp); err != nil {
		return "", fmt.Errorf("start scan: %w", err)
	}
	if resp.ScanJobID == "" {
		return "", errors.New("start scan: response carried no scan_job_id")
	}
	return string(resp.ScanJobID), nil
}

// Status reads the current state of a scan job.
func (s *Scans) Status(ctx context.Context, jobID string) (job.Job, error) {
	var p job.ScanStatus
	if err := s.c.Do(ctx, BackendEmail, http.MethodGet, "/scans/"+url.PathEscape(jobID)+"/status", nil, &p); err != nil {
		return job.Job{}, err
	}
	return job.FromScanStatus(jobID, p)
}

// ── Verification ───────────────────────────────────────────────────────────

// Verification runs bulk email verification jobs.
type Verification struct{ c *Client }

// StartBulk queues verification of the given emails and returns the job id and the
// number of emails accepted.
func (v *Verification) StartBulk(ctx context.Context, emailIDs []string, checkMX, checkSMTP bool) (string, int, error) {
	ids := make([]int, 0, len(emailIDs))
	for _, raw := range emailIDs {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return "", 0, fmt.Errorf("email id %q is not numeric", raw)
		}
		ids = append(ids, id)
	}

	var resp bulkVerifyResponse
	req := bulkVerifyRequest{EmailIDs: ids, CheckMX: checkMX, CheckSMTP: checkSMTP}
	if err := v.c.Do(ctx, BackendEmail, http.MethodPost, "/emails/verify/bulk", req, &resp); err != nil {
		return "", 0, fmt.Errorf("start verification: %w", err)
	}
	if resp.JobID == "" {
		return "", 0, errors.New("start verification: response carried no job_id")
	}
	return string(resp.JobID), resp.TotalEmails, nil
}

// Status reads the current state of a verification job.
func (v *Verification) Status(ctx context.Context, jobID string) (job.Job, error) {
	var p job.VerificationStatus
	if err := v.c.Do(ctx, BackendEmail, http.MethodGet, "/emails/verify/job/"+url.PathEscape(jobID), nil, &p); err != nil {
		return job.Job{}, err
	}
	return job.FromVerificationStatus(jobID, p)
}

// ── Batches ────────────────────────────────────────────────────────────────

// Batches triggers campaign sends and observes send batches.
type Batches struct{ c *Client }

// Status reads the current state of a send batch.
func (b *Batches) Status(ctx context.Context, batchID string) (job.Job, error) {
	var p job.BatchStatus
	if err := b.c.Do(ctx, BackendEmail, http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/status", nil, &p); err != nil {
		return job.Job{}, err
	}
	return job.FromBatchStatus(batchID, p)
}

// SendCampaign starts a send of an active campaign. A zero limit keeps the backend default.
func (b *Batches) SendCampaign(ctx context.Context, campaignID, dailyLimit int) (CampaignSend, error) {
	var resp CampaignSend
	req := campaignSendRequest{CampaignID: campaignID, DailyLimit: dailyLimit}
	if err := b.c.Do(ctx, BackendEmail, http.MethodPost, "/campaigns/send", req, &resp); err != nil {
		return CampaignSend{}, fmt.Errorf("send campaign %d: %w", campaignID, err)
	}
	return resp, nil
}

// SendDaily asks the main backend to run today's scheduled sends.
func (b *Batches) SendDaily(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := b.c.Do(ctx, BackendMain, http.MethodPost, "/v1/send/daily", nil, &resp); err != nil {
		return nil, fmt.Errorf("send daily: %w", err)
	}
	return resp, nil
}

// ── Lists ──────────────────────────────────────────────────────────────────

// Emails lists discovered email addresses.
type Emails struct{ c *Client }

// List returns the emails matching the server-side filter.
func (e *Emails) List(ctx context.Context, f EmailFilter) ([]Email, error) {
	path := "/emails/"
	if q := f.values().Encode(); q != "" {
		path += "?" + q
	}
	out := make([]Email, 0)
	if err := e.c.Do(ctx, BackendEmail, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	return out, nil
}

// Leads reads the lead inbox of the main backend.
type Leads struct{ c *Client }

// List returns every lead; filtering and sorting happen client-side.
func (l *Leads) List(ctx context.Context) ([]Lead, error) {
	out := make([]Lead, 0)
	if err := l.c.Do(ctx, BackendMain, http.MethodGet, "/v1/leads/", nil, &out); err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	return out, nil
}

// ── Generic resources ──────────────────────────────────────────────────────

// Resource is a CRUD collection such as /v1/basket/ or /campaigns/.
type Resource struct {
	c       *Client
	backend Backend
	path    string
}

// List decodes the collection (optionally narrowed by query) into out.
func (r *Resource) List(ctx context.Context, query url.Values, out any) error {
	path := r.path
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return r.c.Do(ctx, r.backend, http.MethodGet, path, nil, out)
}

// Get decodes one item into out.
func (r *Resource) Get(ctx context.Context, id string, out any) error {
	return r.c.Do(ctx, r.backend, http.MethodGet, r.path+url.PathEscape(id), nil, out)
}

// Create posts body and decodes the created item into out.
func (r *Resource) Create(ctx context.Context, body, out any) error {
	return r.c.Do(ctx, r.backend, http.MethodPost, r.path, body, out)
}

// Update patches one item with body and decodes the result into out.
func (r *Resource) Update(ctx context.Context, id string, body, out any) error {
	return r.c.Do(ctx, r.backend, http.MethodPatch, r.path+url.PathEscape(id), body, out)
}

// Delete removes one item. Backends usually answer 204.
func (r *Resource) Delete(ctx context.Context, id string) error {
	return r.c.Do(ctx, r.backend, http.MethodDelete, r.path+url.PathEscape(id), nil, nil)
}

// ── Assets ─────────────────────────────────────────────────────────────────

// Assets handles direct-to-storage uploads.
type Assets struct{ c *Client }

// Presign obtains a signed upload URL for a file.
func (a *Assets) Presign(ctx context.Context, filename, contentType string) (Presign, error) {
	var out Presign
	body := map[string]string{"filename": filename, "content_type": contentType}
	if err := a.c.Do(ctx, BackendMain, http.MethodPost, "/v1/assets/presign", body, &out); err != nil {
		return Presign{}, fmt.Errorf("presign %s: %w", filename, err)
	}
	if out.UploadURL == "" {
		return Presign{}, errors.New("presign: response carried no upload_url")
	}
	return out, nil
}

// Upload PUTs the content of r to the presigned URL. No backend credentials are sent.
func (a *Assets) Upload(ctx context.Context, p Presign, contentType string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.UploadURL, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := a.c.doRequest(req, nil); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}
