// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package purged re-downloads attachments whose local data was evicted by
// the OS, so they can still be bridged.
package purged

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lrhodin/barcelona/pkg/imessage"
)

const (
	DefaultMaxBytes     = 100_000_000
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = time.Second
)

// Daemon sends transfer control commands to the messages daemon.
type Daemon interface {
	RegisterTransfer(ctx context.Context, guid string) error
	AcceptTransfer(ctx context.Context, guid string) error
}

// Delegate is told the result of every unpurge job. Exactly one of the two
// methods is called per job.
type Delegate interface {
	PurgedTransferResolved(rec imessage.TransferRecord)
	PurgedTransferFailed(rec imessage.TransferRecord, err error)
}

// ErrorReporter receives unpurge failures for observability.
type ErrorReporter interface {
	ReportError(err error, transferGUID string)
}

// Tracker is the view of the transfer center the controller needs.
type Tracker interface {
	Resolve(ctx context.Context, guid string) (*imessage.TransferRecord, error)
	Refresh(ctx context.Context, guid string) (*imessage.TransferRecord, error)
	WaitForCompletion(ctx context.Context, guid string) error
}

type Config struct {
	Enabled      bool
	MaxBytes     int64
	Timeout      time.Duration
	PollInterval time.Duration
	// AcceptRate limits accept commands per second. Zero means unlimited.
	AcceptRate  float64
	AcceptBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxBytes:     DefaultMaxBytes,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
		AcceptBurst:  1,
	}
}

type Result string

const (
	// ResultSkipped means the transfer did not need any work or is not
	// eligible for unpurging.
	ResultSkipped  Result = "skipped"
	ResultNotFound Result = "not_found"
	ResultResolved Result = "resolved"
	ResultFailed   Result = "failed"
	// ResultSettled and ResultUnsettled describe transfers that were already
	// downloading, which are waited for without a delegate callback.
	ResultSettled   Result = "settled"
	ResultUnsettled Result = "unsettled"
)

type Outcome struct {
	GUID   string
	Result Result
	Err    error
	// Joined is set when the transfer was already being unpurged by another
	// batch.
	Joined bool
}

type job struct {
	guid      string
	startedAt time.Time
	deadline  time.Time
	done      chan struct{}
	outcome   Outcome
}

type Controller struct {
	log      zerolog.Logger
	cfg      Config
	tracker  Tracker
	daemon   Daemon
	delegate Delegate
	reporter ErrorReporter
	limiter  *rate.Limiter

	jobsMu sync.Mutex
	jobs   map[string]*job
}

// New creates a controller. reporter may be nil.
func New(cfg Config, tracker Tracker, daemon Daemon, delegate Delegate, reporter ErrorReporter, log zerolog.Logger) *Controller {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 1
	}
	return &Controller{
		log:      log.With().Str("component", "purged_attachment_controller").Logger(),
		cfg:      cfg,
		tracker:  tracker,
		daemon:   daemon,
		delegate: delegate,
		reporter: reporter,
		limiter:  rate.NewLimiter(limit, cfg.AcceptBurst),
		jobs:     make(map[string]*job),
	}
}

func (c *Controller) Enabled() bool {
	return c.cfg.Enabled
}

// Process handles a batch of transfer IDs and returns once every transfer
// has reached a terminal outcome or was skipped. One transfer failing never
// affects the others.
func (c *Controller) Process(ctx context.Context, transferIDs []string) []Outcome {
	if !c.cfg.Enabled || len(transferIDs) == 0 {
		return nil
	}
	ids := dedupe(transferIDs)
	outcomes := make([]Outcome, len(ids))
	var g errgroup.Group
	for i, guid := range ids {
		g.Go(func() error {
			outcomes[i] = c.processOne(ctx, guid)
			return nil
		})
	}
	_ = g.Wait()
	c.logSummary(outcomes)
	return outcomes
}

// InFlight returns the number of running unpurge jobs.
func (c *Controller) InFlight() int {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return len(c.jobs)
}

func (c *Controller) processOne(ctx context.Context, guid string) Outcome {
	log := c.log.With().Str("transfer_guid", guid).Logger()
	rec, err := c.tracker.Resolve(ctx, guid)
	if err != nil {
		log.Err(err).Msg("Failed to resolve transfer")
		return Outcome{GUID: guid, Result: ResultNotFound, Err: fmt.Errorf("%w: %w", imessage.ErrUpstreamResolution, err)}
	} else if rec == nil {
		log.Warn().Msg("Transfer not found")
		return Outcome{GUID: guid, Result: ResultNotFound, Err: imessage.TransferNotFoundError(guid)}
	} else if !rec.IsIncoming {
		return Outcome{GUID: guid, Result: ResultSkipped}
	}

	switch {
	case rec.NeedsUnpurging(c.cfg.MaxBytes):
		return c.join(ctx, rec)
	case rec.State == imessage.TransferWaitingForAccept:
		log.Info().
			Int64("total_bytes", rec.TotalBytes).
			Int64("max_bytes", c.cfg.MaxBytes).
			Bool("can_auto_download", rec.CanAutoDownload).
			Msg("Not unpurging transfer that is oversized or not auto-downloadable")
		return Outcome{GUID: guid, Result: ResultSkipped}
	case rec.IsTrulyFinished():
		return Outcome{GUID: guid, Result: ResultSkipped}
	default:
		return c.awaitInProgress(ctx, rec)
	}
}

// join runs the unpurge job for rec, or waits for the job another batch
// already started for it.
func (c *Controller) join(ctx context.Context, rec *imessage.TransferRecord) Outcome {
	c.jobsMu.Lock()
	if existing, ok := c.jobs[rec.GUID]; ok {
		c.jobsMu.Unlock()
		select {
		case <-existing.done:
			out := existing.outcome
			out.Joined = true
			return out
		case <-ctx.Done():
			return Outcome{GUID: rec.GUID, Result: ResultUnsettled, Err: ctx.Err(), Joined: true}
		}
	}
	now := time.Now()
	j := &job{
		guid:      rec.GUID,
		startedAt: now,
		deadline:  now.Add(c.cfg.Timeout),
		done:      make(chan struct{}),
	}
	c.jobs[rec.GUID] = j
	c.jobsMu.Unlock()

	j.outcome = c.run(ctx, j, rec)

	c.jobsMu.Lock()
	delete(c.jobs, rec.GUID)
	c.jobsMu.Unlock()
	close(j.done)
	return j.outcome
}

func (c *Controller) run(ctx context.Context, j *job, rec *imessage.TransferRecord) Outcome {
	log := c.log.With().Str("transfer_guid", j.guid).Logger()
	log.Info().Int64("total_bytes", rec.TotalBytes).Msg("Unpurging transfer")
	ctx, cancel := context.WithDeadline(ctx, j.deadline)
	defer cancel()

	err := c.unpurge(ctx, j.guid)
	if err == nil {
		final := *rec
		if latest, resolveErr := c.tracker.Resolve(context.WithoutCancel(ctx), j.guid); resolveErr == nil && latest != nil {
			final = *latest
		}
		log.Info().Dur("duration", time.Since(j.startedAt)).Msg("Unpurged transfer")
		c.delegate.PurgedTransferResolved(final)
		return Outcome{GUID: j.guid, Result: ResultResolved}
	}
	if errors.Is(err, context.DeadlineExceeded) || time.Now().After(j.deadline) {
		err = imessage.TransferTimeoutError(j.guid)
	}
	log.Err(err).Dur("duration", time.Since(j.startedAt)).Msg("Failed to unpurge transfer")
	c.delegate.PurgedTransferFailed(*rec, err)
	if c.reporter != nil {
		c.reporter.ReportError(err, j.guid)
	}
	return Outcome{GUID: j.guid, Result: ResultFailed, Err: err}
}

func (c *Controller) unpurge(ctx context.Context, guid string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// The limiter gives up early on waits that would end past the
			// deadline.
			err = context.DeadlineExceeded
		}
		return fmt.Errorf("failed to wait for accept rate limit: %w", err)
	}
	if err := c.daemon.RegisterTransfer(ctx, guid); err != nil {
		return fmt.Errorf("failed to register transfer with daemon: %w", err)
	}
	if err := c.daemon.AcceptTransfer(ctx, guid); err != nil {
		return fmt.Errorf("failed to accept transfer: %w", err)
	}
	return c.waitSettled(ctx, guid)
}

// waitSettled races the tracker's completion promise against polling the
// transfer directly, and returns the first result.
func (c *Controller) waitSettled(ctx context.Context, guid string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan error, 2)
	go func() {
		results <- c.tracker.WaitForCompletion(ctx, guid)
	}()
	go func() {
		results <- c.poll(ctx, guid)
	}()
	return <-results
}

func (c *Controller) poll(ctx context.Context, guid string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		rec, err := c.tracker.Refresh(ctx, guid)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Err(err).Str("transfer_guid", guid).Msg("Failed to refresh transfer while polling")
			continue
		} else if rec == nil {
			continue
		}
		if rec.IsTrulyFinished() {
			return nil
		} else if rec.ActualState().IsError() {
			return imessage.DownloadFailedError(rec)
		}
	}
}

// awaitInProgress waits for a transfer that is already downloading, bounded
// by the job timeout.
func (c *Controller) awaitInProgress(ctx context.Context, rec *imessage.TransferRecord) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	err := c.waitSettled(ctx, rec.GUID)
	if err != nil {
		c.log.Warn().Err(err).Str("transfer_guid", rec.GUID).Msg("In-progress transfer did not settle")
		return Outcome{GUID: rec.GUID, Result: ResultUnsettled, Err: err}
	}
	return Outcome{GUID: rec.GUID, Result: ResultSettled}
}

func (c *Controller) logSummary(outcomes []Outcome) {
	counts := make(map[Result]int)
	for _, out := range outcomes {
		counts[out.Result]++
	}
	evt := c.log.Debug().Int("transfers", len(outcomes))
	for result, n := range counts {
		evt = evt.Int(string(result), n)
	}
	evt.Msg("Processed purged attachment batch")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
