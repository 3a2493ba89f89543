package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/export"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/listfilter"
	"brandwriter/jobwatch-service/internal/watch"
)

// ─── scan ────────────────────────────────────────────────────────────────────

func (a *app) scanCommand() *cobra.Command {
	opts := apiclient.DefaultScanOptions()
	var (
		out     outputFlags
		filters listFlags
	)
	cmd := &cobra.Command{
		Use:   "scan <company-id>",
		Short: "Scan a company website and LinkedIn, then list the draft emails found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc := a.localService(a.client())

			w, err := svc.StartScan(ctx, args[0], opts)
			if err != nil {
				return err
			}
			w, err = follow(ctx, cmd.ErrOrStderr(), svc, w.ID)
			if err != nil {
				return err
			}
			if err := finalError(w); err != nil {
				return err
			}

			emails, err := svc.Results(ctx, w.ID, filters.spec())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "people found: %d, emails found: %d\n",
				w.Job.Counter(job.CounterPeopleFound), w.Job.Counter(job.CounterEmailsDiscovered))
			return out.write(cmd, export.Emails(emails), emails)
		},
	}
	cmd.Flags().BoolVar(&opts.ScanWebsite, "website", opts.ScanWebsite, "crawl the company website")
	cmd.Flags().BoolVar(&opts.ScanLinkedIn, "linkedin", opts.ScanLinkedIn, "search LinkedIn for people")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", opts.MaxPages, "maximum website pages to crawl")
	cmd.Flags().BoolVar(&opts.VerifyEmails, "verify", opts.VerifyEmails, "verify discovered emails")
	filters.register(cmd, listfilter.SortNone)
	out.register(cmd)
	return cmd
}

// ─── verify ──────────────────────────────────────────────────────────────────

func (a *app) verifyCommand() *cobra.Command {
	var vo watch.VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <email-id>...",
		Short: "Bulk-verify emails and follow the verification job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if _, err := strconv.Atoi(id); err != nil {
					return &watch.ValidationError{Msg: fmt.Sprintf("email id %q is not a number", id)}
				}
			}
			ctx := cmd.Context()
			svc := a.localService(a.client())

			w, err := svc.StartVerification(ctx, args, vo)
			if err != nil {
				return err
			}
			w, err = follow(ctx, cmd.ErrOrStderr(), svc, w.ID)
			if err != nil {
				return err
			}
			return finalError(w)
		},
	}
	cmd.Flags().BoolVar(&vo.CheckMX, "mx", true, "check MX records")
	cmd.Flags().BoolVar(&vo.CheckSMTP, "smtp", false, "check the SMTP server")
	return cmd
}

// ─── batch ───────────────────────────────────────────────────────────────────

func (a *app) batchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Follow or start campaign send batches",
	}

	watchCmd := &cobra.Command{
		Use:   "watch <batch-id>",
		Short: "Follow a send batch until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.followBatch(cmd, a.client(), args[0])
		},
	}

	var dailyLimit int
	sendCmd := &cobra.Command{
		Use:   "send <campaign-id>",
		Short: "Send an active campaign and follow its batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := strconv.Atoi(args[0])
			if err != nil {
				return &watch.ValidationError{Msg: fmt.Sprintf("campaign id %q is not a number", args[0])}
			}
			c := a.client()
			sent, err := c.Batches.SendCampaign(cmd.Context(), campaignID, dailyLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), sent.Message)
			if sent.BatchID == "" {
				return nil
			}
			return a.followBatch(cmd, c, string(sent.BatchID))
		},
	}
	sendCmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "cap on emails sent today (0 keeps the campaign setting)")

	cmd.AddCommand(watchCmd, sendCmd)
	return cmd
}

func (a *app) followBatch(cmd *cobra.Command, c *apiclient.Client, batchID string) error {
	ctx := cmd.Context()
	svc := a.localService(c)
	w, err := svc.WatchBatch(ctx, batchID)
	if err != nil {
		return err
	}
	w, err = follow(ctx, cmd.ErrOrStderr(), svc, w.ID)
	if err != nil {
		return err
	}
	return finalError(w)
}

// ─── emails ──────────────────────────────────────────────────────────────────

func (a *app) emailsCommand() *cobra.Command {
	var (
		f       apiclient.EmailFilter
		out     outputFlags
		filters listFlags
	)
	cmd := &cobra.Command{
		Use:   "emails",
		Short: "List discovered emails with their badges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := filters.spec()
			f.Status = spec.QueryParams().Get(listfilter.FieldStatus)
			emails, err := a.client().Emails.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			emails = listfilter.Apply(emails, spec)
			return out.write(cmd, export.Emails(emails), emails)
		},
	}
	cmd.Flags().StringVar(&f.VerificationStatus, "verification", "", "valid, risky, invalid or unknown")
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "only emails of this company")
	cmd.Flags().IntVar(&f.Skip, "skip", 0, "skip this many records")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "return at most this many records (0 = backend default)")
	filters.register(cmd, listfilter.SortNone)
	out.register(cmd)
	return cmd
}

// ─── leads ───────────────────────────────────────────────────────────────────

func (a *app) leadsCommand() *cobra.Command {
	var (
		out     outputFlags
		filters listFlags
	)
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "List, filter, sort and export the lead inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			leads, err := a.client().Leads.List(cmd.Context())
			if err != nil {
				return err
			}
			leads = listfilter.Apply(leads, filters.spec())
			return out.write(cmd, export.Leads(leads), leads)
		},
	}
	filters.register(cmd, listfilter.SortScoreDesc)
	out.register(cmd)
	return cmd
}

// listFlags expose a listfilter.Spec on the command line.
type listFlags struct {
	scoreMin, scoreMax float64
	bucket, status     string
	search, sort       string
	cmd                *cobra.Command
}

func (l *listFlags) register(cmd *cobra.Command, sort listfilter.SortOrder) {
	l.cmd = cmd
	cmd.Flags().Float64Var(&l.scoreMin, "score-min", 0, "lowest score kept (records without a score are dropped)")
	cmd.Flags().Float64Var(&l.scoreMax, "score-max", 0, "highest score kept (records without a score are dropped)")
	cmd.Flags().StringVar(&l.bucket, "bucket", "", "bucket or badge label, or all")
	cmd.Flags().StringVar(&l.status, "status", "", "status, or all")
	cmd.Flags().StringVar(&l.search, "search", "", "case-insensitive text search")
	cmd.Flags().StringVar(&l.sort, "sort", string(sort), "none or score_desc")
}

func (l *listFlags) spec() listfilter.Spec {
	s := listfilter.Spec{
		Bucket: l.bucket,
		Status: l.status,
		Search: l.search,
		Sort:   listfilter.ParseSortOrder(l.sort),
	}
	if l.cmd.Flags().Changed("score-min") {
		s.ScoreMin = listfilter.Float(l.scoreMin)
	}
	if l.cmd.Flags().Changed("score-max") {
		s.ScoreMax = listfilter.Float(l.scoreMax)
	}
	return s
}

// ─── health ──────────────────────────────────────────────────────────────────

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check every configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results := a.client().CheckAll(cmd.Context())

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"Backend", "Status", "Error"})
			healthy := true
			for _, b := range apiclient.Backends {
				st, ok := results[b]
				if !ok {
					tw.AppendRow(table.Row{b, "not configured", ""})
					continue
				}
				if st.Status != apiclient.Healthy {
					healthy = false
				}
				tw.AppendRow(table.Row{b, st.Status, st.Error})
			}
			tw.Render()

			if !healthy {
				return errSilent
			}
			return nil
		},
	}
}
