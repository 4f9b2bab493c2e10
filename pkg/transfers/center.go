// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package transfers tracks file transfer lifecycles and lets callers wait
// until an attachment is fully downloaded and out of the sandbox.
package transfers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/pipeline"
	"github.com/lrhodin/barcelona/pkg/queue"
)

const (
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultSettleTimeout = 5 * time.Minute

	lookupTimeout = 5 * time.Second
)

// TransferLookup re-reads a transfer from the persistence layer. A nil record
// with a nil error means the transfer does not exist.
type TransferLookup interface {
	LookupTransfer(ctx context.Context, guid string) (*imessage.TransferRecord, error)
}

type Config struct {
	// PollInterval is how often an unsettled transfer is re-checked.
	PollInterval time.Duration
	// SettleTimeout bounds how long a finished transfer may stay in the
	// sandbox before waiters are rejected. Zero waits forever.
	SettleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, SettleTimeout: DefaultSettleTimeout}
}

type poller struct {
	tick    *time.Timer
	timeout *time.Timer
}

func (p *poller) stop() {
	p.tick.Stop()
	if p.timeout != nil {
		p.timeout.Stop()
	}
}

// Center is the authoritative cache of transfer state. All state is owned by
// the queue given to New.
type Center struct {
	log    zerolog.Logger
	cfg    Config
	queue  *queue.Queue
	lookup TransferLookup
	ctx    context.Context

	updates *pipeline.Pipeline[imessage.TransferRecord]

	records map[string]*imessage.TransferRecord
	pending map[string][]chan<- error
	pollers map[string]*poller
	closed  bool
}

// New creates a transfer center. lookup may be nil, in which case only
// notifications update the cache.
func New(ctx context.Context, q *queue.Queue, lookup TransferLookup, cfg Config, log zerolog.Logger) *Center {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Center{
		log:     log.With().Str("component", "file_transfer_center").Logger(),
		cfg:     cfg,
		queue:   q,
		lookup:  lookup,
		ctx:     ctx,
		updates: pipeline.New[imessage.TransferRecord](),
		records: make(map[string]*imessage.TransferRecord),
		pending: make(map[string][]chan<- error),
		pollers: make(map[string]*poller),
	}
}

// Updates publishes every transfer snapshot the center accepts, on the
// center's queue.
func (c *Center) Updates() *pipeline.Pipeline[imessage.TransferRecord] {
	return c.updates
}

func (c *Center) HandleCreated(rec imessage.TransferRecord) {
	c.queue.Async(func() { c.apply(rec, rec.IsFinished) })
}

func (c *Center) HandleUpdated(rec imessage.TransferRecord) {
	c.queue.Async(func() { c.apply(rec, rec.IsFinished) })
}

func (c *Center) HandleFinished(rec imessage.TransferRecord) {
	c.queue.Async(func() { c.apply(rec, true) })
}

// Record returns the cached snapshot of a transfer.
func (c *Center) Record(guid string) (rec imessage.TransferRecord, ok bool) {
	c.queue.Sync(func() {
		var cached *imessage.TransferRecord
		cached, ok = c.records[guid]
		if ok {
			rec = *cached
		}
	})
	return
}

// Watch returns the cached snapshots of guids and subscribes callback to
// every later update. Both happen in one task on the center's queue, so
// callback sees every update not reflected in the snapshot.
func (c *Center) Watch(guids []string, callback func(imessage.TransferRecord)) (map[string]imessage.TransferRecord, *pipeline.Subscription) {
	snapshot := make(map[string]imessage.TransferRecord, len(guids))
	var sub *pipeline.Subscription
	ran := c.queue.Sync(func() {
		for _, guid := range guids {
			if cached, ok := c.records[guid]; ok {
				snapshot[guid] = *cached
			}
		}
		sub = c.updates.Pipe(callback)
	})
	if !ran {
		// Nothing is published once the queue stopped.
		sub = c.updates.Pipe(callback)
	}
	return snapshot, sub
}

// Resolve returns the cached snapshot of a transfer, falling back to the
// lookup for transfers the center has not been notified about. A nil record
// with a nil error means the transfer is unknown.
func (c *Center) Resolve(ctx context.Context, guid string) (*imessage.TransferRecord, error) {
	if rec, ok := c.Record(guid); ok {
		return &rec, nil
	} else if c.lookup == nil {
		return nil, nil
	}
	rec, err := c.lookup.LookupTransfer(ctx, guid)
	if err != nil || rec == nil {
		return nil, err
	}
	snapshot := *rec
	c.queue.Async(func() {
		if _, ok := c.records[guid]; !ok {
			c.records[guid] = &snapshot
		}
	})
	return rec, nil
}

// Refresh re-reads a transfer from the lookup and applies it as an update.
// Without a lookup it behaves like Resolve.
func (c *Center) Refresh(ctx context.Context, guid string) (*imessage.TransferRecord, error) {
	if c.lookup == nil {
		return c.Resolve(ctx, guid)
	}
	rec, err := c.lookup.LookupTransfer(ctx, guid)
	if err != nil || rec == nil {
		return nil, err
	}
	c.HandleUpdated(*rec)
	return rec, nil
}

// CompletionPromise returns a channel that receives exactly one value: nil
// once the transfer is truly finished, or an error wrapping ErrNotFound,
// ErrDownloadFailed, ErrTimeout or ErrClosed.
func (c *Center) CompletionPromise(guid string) <-chan error {
	ch := make(chan error, 1)
	c.queue.Async(func() { c.addWaiter(guid, ch) })
	return ch
}

// WaitForCompletion blocks until the transfer is truly finished, it fails or
// ctx is done.
func (c *Center) WaitForCompletion(ctx context.Context, guid string) error {
	select {
	case err := <-c.CompletionPromise(guid):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every poller and rejects all outstanding waiters.
func (c *Center) Close() {
	c.queue.Sync(func() {
		if c.closed {
			return
		}
		c.closed = true
		for guid, p := range c.pollers {
			p.stop()
			delete(c.pollers, guid)
		}
		for guid := range c.pending {
			c.settlePending(guid, imessage.ErrClosed)
		}
	})
}

func (c *Center) addWaiter(guid string, ch chan<- error) {
	if c.closed {
		ch <- imessage.ErrClosed
		return
	}
	rec, ok := c.records[guid]
	if !ok {
		rec = c.lookupLocked(guid)
		if rec == nil {
			ch <- imessage.TransferNotFoundError(guid)
			return
		}
		c.records[guid] = rec
	}
	switch state := rec.ActualState(); {
	case state == imessage.TransferFinished:
		c.pending[guid] = append(c.pending[guid], ch)
		c.settle(guid)
	case state.IsError():
		ch <- imessage.DownloadFailedError(rec)
	default:
		c.pending[guid] = append(c.pending[guid], ch)
	}
}

func (c *Center) apply(rec imessage.TransferRecord, finished bool) {
	if rec.GUID == "" {
		c.log.Warn().Str("state", rec.State.String()).Msg("Ignoring transfer notification without GUID")
		return
	}
	if cached, ok := c.records[rec.GUID]; ok {
		*cached = rec
	} else {
		stored := rec
		c.records[rec.GUID] = &stored
	}
	c.updates.Send(rec)
	if finished {
		c.handleFinished(rec.GUID)
	} else if _, polling := c.pollers[rec.GUID]; polling {
		c.checkSettled(rec.GUID)
	}
}

func (c *Center) handleFinished(guid string) {
	rec := c.records[guid]
	if rec.ActualState() == imessage.TransferFinished {
		c.settle(guid)
		return
	}
	c.log.Warn().
		Str("transfer_guid", guid).
		Str("state", rec.State.String()).
		Int("error_code", rec.ErrorCode).
		Msg("Transfer finished without succeeding")
	c.stopPoller(guid)
	c.settlePending(guid, imessage.DownloadFailedError(rec))
}

// settle resolves the waiters of a finished transfer once it is out of the
// sandbox, starting a poller if it is not yet.
func (c *Center) settle(guid string) {
	if c.records[guid].IsTrulyFinished() {
		c.stopPoller(guid)
		c.settlePending(guid, nil)
		return
	} else if _, ok := c.pollers[guid]; ok {
		return
	}
	c.log.Debug().Str("transfer_guid", guid).Msg("Transfer finished but not settled, polling")
	p := &poller{}
	p.tick = c.queue.AfterFunc(c.cfg.PollInterval, func() { c.pollTick(guid, p) })
	if c.cfg.SettleTimeout > 0 {
		p.timeout = c.queue.AfterFunc(c.cfg.SettleTimeout, func() {
			if c.pollers[guid] != p {
				return
			}
			c.log.Warn().Str("transfer_guid", guid).Dur("timeout", c.cfg.SettleTimeout).Msg("Transfer did not settle in time")
			c.stopPoller(guid)
			c.settlePending(guid, imessage.TransferTimeoutError(guid))
		})
	}
	c.pollers[guid] = p
}

func (c *Center) pollTick(guid string, p *poller) {
	if c.pollers[guid] != p {
		return
	}
	if fresh := c.lookupLocked(guid); fresh != nil {
		*c.records[guid] = *fresh
	}
	if !c.checkSettled(guid) {
		p.tick = c.queue.AfterFunc(c.cfg.PollInterval, func() { c.pollTick(guid, p) })
	}
}

func (c *Center) checkSettled(guid string) bool {
	if !c.records[guid].IsTrulyFinished() {
		return false
	}
	c.log.Debug().Str("transfer_guid", guid).Msg("Transfer settled")
	c.stopPoller(guid)
	c.settlePending(guid, nil)
	return true
}

func (c *Center) stopPoller(guid string) {
	if p, ok := c.pollers[guid]; ok {
		p.stop()
		delete(c.pollers, guid)
	}
}

func (c *Center) settlePending(guid string, err error) {
	waiters := c.pending[guid]
	delete(c.pending, guid)
	for _, ch := range waiters {
		ch <- err
	}
}

func (c *Center) lookupLocked(guid string) *imessage.TransferRecord {
	if c.lookup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()
	rec, err := c.lookup.LookupTransfer(ctx, guid)
	if err != nil {
		c.log.Err(err).Str("transfer_guid", guid).Msg("Failed to look up transfer")
		return nil
	}
	return rec
}
