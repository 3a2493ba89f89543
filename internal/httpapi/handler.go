// Package httpapi implements the REST surface of the job-watch service.
//
// Routes:
//
//	POST /scans                     → start a company scan and watch it (202)
//	POST /verifications             → start a bulk email verification and watch it (202)
//	POST /batches/{id}/watch        → watch a campaign send batch (202)
//	GET  /watches                   → list watches, newest first (?kind= narrows)
//	GET  /watches/{id}              → one watch
//	POST /watches/{id}/cancel       → stop a watch
//	GET  /watches/{id}/results      → draft emails found by a completed scan
//	GET  /leads                     → lead inbox, filtered client-side, highest score first
//	GET  /emails                    → email list with badges
//	GET  /health                    → service and backend health
//	GET  /metrics                   → Prometheus metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/apierr"
	"brandwriter/jobwatch-service/internal/badge"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/listfilter"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/watch"
)

// Version is reported by /health.
const Version = "1.0.0"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Catalog lists backend records that the handlers decorate and filter.
type Catalog interface {
	ListLeads(ctx context.Context) ([]apiclient.Lead, error)
	ListEmails(ctx context.Context, f apiclient.EmailFilter) ([]apiclient.Email, error)
}

// HealthChecker checks the backends.
type HealthChecker interface {
	CheckAll(ctx context.Context) map[apiclient.Backend]apiclient.HealthStatus
}

type clientCatalog struct{ c *apiclient.Client }

// NewClientCatalog serves the catalog from an API client.
func NewClientCatalog(c *apiclient.Client) Catalog { return clientCatalog{c: c} }

func (cc clientCatalog) ListLeads(ctx context.Context) ([]apiclient.Lead, error) {
	return cc.c.Leads.List(ctx)
}

func (cc clientCatalog) ListEmails(ctx context.Context, f apiclient.EmailFilter) ([]apiclient.Email, error) {
	return cc.c.Emails.List(ctx, f)
}

// ─── Response types ───────────────────────────────────────────────────────────

// LeadView is a lead with its display badge.
type LeadView struct {
	apiclient.Lead
	Badge badge.Badge `json:"badge"`
}

// EmailView is an email with its display badge.
type EmailView struct {
	apiclient.Email
	Badge badge.Badge `json:"badge"`
}

// HealthView is the body of GET /health.
type HealthView struct {
	Status   string                                       `json:"status"`
	Service  string                                       `json:"service"`
	Version  string                                       `json:"version"`
	Backends map[apiclient.Backend]apiclient.HealthStatus `json:"backends,omitempty"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	svc     *watch.Service
	catalog Catalog
	health  HealthChecker
	log     logger.Logger
}

// NewHandler returns a configured Handler. catalog and health may be nil, in which case
// the routes they serve answer 503 and /health reports only the service itself.
func NewHandler(svc *watch.Service, catalog Catalog, health HealthChecker, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{svc: svc, catalog: catalog, health: health, log: log.With(logger.Component("httpapi"))}
}

// RegisterRoutes mounts every REST route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/scans", h.handleScans)
	mux.HandleFunc("/verifications", h.handleVerifications)
	mux.HandleFunc("/batches/", h.handleBatchAction)
	mux.HandleFunc("/watches", h.handleWatches)
	mux.HandleFunc("/watches/", h.handleWatchAction)
	mux.HandleFunc("/leads", h.handleLeads)
	mux.HandleFunc("/emails", h.handleEmails)
}

// RegisterMetrics mounts GET /metrics serving g.
func RegisterMetrics(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// ─── Route dispatch ───────────────────────────────────────────────────────────

func (h *Handler) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.startScan(w, r)
}

func (h *Handler) handleVerifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.startVerification(w, r)
}

// handleBatchAction handles POST /batches/{id}/watch
func (h *Handler) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r)
	if len(parts) != 3 || parts[2] != "watch" {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}

	wt, err := h.svc.WatchBatch(r.Context(), parts[1])
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonStatus(w, http.StatusAccepted, wt)
}

// handleWatches handles GET /watches[?kind=scan|verification|batch]
func (h *Handler) handleWatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var kind job.Kind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := job.ParseKind(raw)
		if err != nil {
			h.fail(w, &watch.ValidationError{Msg: err.Error()})
			return
		}
		kind = k
	}
	ws, err := h.svc.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if kind != "" {
		ws = slices.DeleteFunc(ws, func(wt watch.Watch) bool { return wt.Kind != kind })
	}
	jsonOK(w, ws)
}

// handleWatchAction handles GET /watches/{id}, POST /watches/{id}/cancel and
// GET /watches/{id}/results
func (h *Handler) handleWatchAction(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r)
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.getWatch(w, r, parts[1])
	case len(parts) == 3 && parts[2] == "cancel" && r.Method == http.MethodPost:
		h.cancelWatch(w, r, parts[1])
	case len(parts) == 3 && parts[2] == "results" && r.Method == http.MethodGet:
		h.watchResults(w, r, parts[1])
	case len(parts) == 2 || len(parts) == 3 && (parts[2] == "cancel" || parts[2] == "results"):
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		jsonError(w, "invalid path", http.StatusNotFound)
	}
}

func (h *Handler) handleLeads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listLeads(w, r)
}

func (h *Handler) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listEmails(w, r)
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) startScan(w http.ResponseWriter, r *http.Request) {
	defaults := apiclient.DefaultScanOptions()
	var body struct {
		CompanyID    json.Number `json:"companyId"`
		ScanWebsite  *bool       `json:"scanWebsite"`
		ScanLinkedIn *bool       `json:"scanLinkedin"`
		MaxPages     *int        `json:"maxPages"`
		VerifyEmails *bool       `json:"verifyEmails"`
	}
	if !decode(w, r, &body) {
		return
	}

	opts := defaults
	if body.ScanWebsite != nil {
		opts.ScanWebsite = *body.ScanWebsite
	}
	if body.ScanLinkedIn != nil {
		opts.ScanLinkedIn = *body.ScanLinkedIn
	}
	if body.MaxPages != nil {
		opts.MaxPages = *body.MaxPages
	}
	if body.VerifyEmails != nil {
		opts.VerifyEmails = *body.VerifyEmails
	}

	wt, err := h.svc.StartScan(r.Context(), body.CompanyID.String(), opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonStatus(w, http.StatusAccepted, wt)
}

func (h *Handler) startVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EmailIDs  []json.Number `json:"emailIds"`
		CheckMX   bool          `json:"checkMx"`
		CheckSMTP bool          `json:"checkSmtp"`
	}
	if !decode(w, r, &body) {
		return
	}

	ids := make([]string, 0, len(body.EmailIDs))
	for _, id := range body.EmailIDs {
		ids = append(ids, id.String())
	}
	wt, err := h.svc.StartVerification(r.Context(), ids, watch.VerifyOptions{CheckMX: body.CheckMX, CheckSMTP: body.CheckSMTP})
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonStatus(w, http.StatusAccepted, wt)
}

func (h *Handler) getWatch(w http.ResponseWriter, r *http.Request, id string) {
	wt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonOK(w, wt)
}

func (h *Handler) cancelWatch(w http.ResponseWriter, r *http.Request, id string) {
	wt, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonOK(w, wt)
}

func (h *Handler) watchResults(w http.ResponseWriter, r *http.Request, id string) {
	emails, err := h.svc.Results(r.Context(), id, listfilter.FromQuery(r.URL.Query()))
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonOK(w, emailViews(emails))
}

func (h *Handler) listLeads(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		jsonError(w, "lead catalog not configured", http.StatusServiceUnavailable)
		return
	}
	leads, err := h.catalog.ListLeads(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	q := r.URL.Query()
	spec := listfilter.FromQuery(q)
	if !q.Has(listfilter.ParamSort) {
		spec.Sort = listfilter.SortScoreDesc
	}
	leads = listfilter.Apply(leads, spec)
	out := make([]LeadView, 0, len(leads))
	for _, l := range leads {
		out = append(out, LeadView{Lead: l, Badge: l.Badge()})
	}
	jsonOK(w, out)
}

func (h *Handler) listEmails(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		jsonError(w, "email catalog not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	spec := listfilter.FromQuery(q)
	server := spec.QueryParams()
	filter := apiclient.EmailFilter{
		Status:             server.Get(listfilter.FieldStatus),
		VerificationStatus: q.Get("verification_status"),
		CompanyID:          q.Get("company_id"),
	}

	emails, err := h.catalog.ListEmails(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	jsonOK(w, emailViews(listfilter.Apply(emails, spec)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := HealthView{Status: "ok", Service: "jobwatch-service", Version: Version}
	if h.health != nil {
		view.Backends = h.health.CheckAll(r.Context())
		for _, st := range view.Backends {
			if st.Status != apiclient.Healthy {
				view.Status = "degraded"
			}
		}
	}
	jsonOK(w, view)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func emailViews(emails []apiclient.Email) []EmailView {
	out := make([]EmailView, 0, len(emails))
	for _, e := range emails {
		out = append(out, EmailView{Email: e, Badge: e.Badge()})
	}
	return out
}

func pathParts(r *http.Request) []string {
	return strings.Split(strings.Trim(r.URL.Path, "/"), "/")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps service errors onto HTTP statuses.
func statusOf(err error) (int, bool) {
	var ve *watch.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, true
	case watch.IsNotFound(err):
		return http.StatusNotFound, true
	case errors.Is(err, guard.ErrInFlight):
		return http.StatusConflict, true
	case errors.Is(err, watch.ErrShuttingDown):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	}
	return 0, false
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	v := apierr.ViewOf(err, statusOf)
	if v.Status >= http.StatusInternalServerError {
		h.log.Warn("Request failed", logger.Int("status", v.Status), logger.Error(err))
	}
	if perr := (apierr.JSONPresenter{}).Present(w, v); perr != nil {
		h.log.Warn("Write error response failed", logger.Error(perr))
	}
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	_ = (apierr.JSONPresenter{}).Present(w, apierr.View{Status: code, Message: msg})
}
