package job

// Counter keys used in Job.Counters.
const (
	CounterPeopleFound      = "peopleFound"
	CounterEmailsDiscovered = "emailsDiscovered"
	CounterEmailsValid      = "emailsValid"
	CounterVerified         = "verifiedCount"
	CounterValid            = "validCount"
	CounterInvalid          = "invalidCount"
	CounterRisky            = "riskyCount"
	CounterSent             = "sentCount"
	CounterFailed           = "failedCount"
)

// Job is a long-running backend task as observed by a poller. It is only ever read from
// the backend; the poller never mutates backend state.
type Job struct {
	ID           string         `json:"jobId"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progressPercentage"`
	Counters     map[string]int `json:"resultCounters,omitempty"`
	Total        int            `json:"totalUnits,omitempty"`
	CurrentStep  string         `json:"currentStep,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j Job) IsTerminal() bool { return j.Status.IsTerminal() }

// Counter returns a counter value, or 0 when absent.
func (j Job) Counter(key string) int { return j.Counters[key] }

// ScanStatus mirrors GET /scans/{id}/status.
type ScanStatus struct {
	ID           any    `json:"id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress_percentage"`
	CurrentStep  string `json:"current_step"`
	PeopleFound  int    `json:"people_found"`
	EmailsFound  int    `json:"emails_found"`
	EmailsValid  int    `json:"emails_valid"`
	ErrorMessage string `json:"error_message"`
}

// VerificationStatus mirrors GET /emails/verify/job/{id}.
type VerificationStatus struct {
	ID            any    `json:"id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress_percentage"`
	TotalEmails   int    `json:"total_emails"`
	VerifiedCount int    `json:"verified_count"`
	ValidCount    int    `json:"valid_count"`
	InvalidCount  int    `json:"invalid_count"`
	RiskyCount    int    `json:"risky_count"`
}

// BatchStatus mirrors GET /batches/{id}/status.
type BatchStatus struct {
	ID          any    `json:"id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress_percentage"`
	TotalEmails int    `json:"total_emails"`
	SentCount   int    `json:"sent_count"`
	FailedCount int    `json:"failed_count"`
}

// FromScanStatus converts a scan status payload.
func FromScanStatus(id string, p ScanStatus) (Job, error) {
	st, err := ParseStatus(p.Status)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:       id,
		Kind:     KindScan,
		Status:   st,
		Progress: clampProgress(p.Progress),
		Counters: map[string]int{
			CounterPeopleFound:      p.PeopleFound,
			CounterEmailsDiscovered: p.EmailsFound,
			CounterEmailsValid:      p.EmailsValid,
		},
		CurrentStep:  p.CurrentStep,
		ErrorMessage: p.ErrorMessage,
	}, nil
}

// FromVerificationStatus converts a bulk verification status payload.
func FromVerificationStatus(id string, p VerificationStatus) (Job, error) {
	st, err := ParseStatus(p.Status)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:       id,
		Kind:     KindVerification,
		Status:   st,
		Progress: clampProgress(p.Progress),
		Counters: map[string]int{
			CounterVerified: p.VerifiedCount,
			CounterValid:    p.ValidCount,
			CounterInvalid:  p.InvalidCount,
			CounterRisky:    p.RiskyCount,
		},
		Total: p.TotalEmails,
	}, nil
}

// FromBatchStatus converts a campaign send batch status payload.
func FromBatchStatus(id string, p BatchStatus) (Job, error) {
	st, err := ParseStatus(p.Status)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:       id,
		Kind:     KindBatch,
		Status:   st,
		Progress: clampProgress(p.Progress),
		Counters: map[string]int{
			CounterSent:   p.SentCount,
			CounterFailed: p.FailedCount,
		},
		Total: p.TotalEmails,
	}, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
