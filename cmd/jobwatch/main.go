// jobwatch: BrandWriter job watcher
//
// Starts asynchronous backend jobs (company scans, bulk email verification, campaign
// send batches) and observes them to completion with a bounded poller.
//
//   - jobwatch serve     long-running service: REST, gRPC health, metrics, cron
//   - jobwatch scan      start a company scan and follow it
//   - jobwatch verify    bulk-verify emails and follow the job
//   - jobwatch batch     follow or start a campaign send batch
//   - jobwatch emails    list emails with badges
//   - jobwatch leads     list, filter, sort and export the lead inbox
//   - jobwatch health    check every backend
//   - jobwatch watches   list watches persisted by the service
//   - jobwatch resource  list and edit backend collections
//   - jobwatch upload    upload an asset through a presigned URL
//   - jobwatch login     store backend credentials (logout removes them)
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"brandwriter/jobwatch-service/internal/apierr"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			_ = apierr.TextPresenter{}.Present(os.Stderr, apierr.ViewOf(err, cliStatus))
		}
		stop()
		os.Exit(1)
	}
}
