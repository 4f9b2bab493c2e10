// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package expert turns the daemon's raw message and status notifications
// into a deduplicated stream of message lifecycle events.
package expert

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/pipeline"
	"github.com/lrhodin/barcelona/pkg/queue"
)

const (
	DefaultSeenCapacity = 100
	defaultLoadTimeout  = 10 * time.Second
)

type Config struct {
	// SeenCapacity bounds the number of message IDs remembered for dedup.
	SeenCapacity int
	// SuppressUnsentFromMe drops message observations for outgoing messages
	// that have not been sent.
	SuppressUnsentFromMe bool
	// LoadTimeout bounds item loads made to resolve failure codes.
	LoadTimeout time.Duration
}

// DefaultConfig matches the daemon bridge's production behaviour.
func DefaultConfig() Config {
	return Config{
		SeenCapacity:         DefaultSeenCapacity,
		SuppressUnsentFromMe: true,
		LoadTimeout:          defaultLoadTimeout,
	}
}

type receipt struct {
	event    Event
	sequence uint64
}

// Expert offers a simplified API for monitoring message state events. All
// state is owned by the queue given to New; published events are delivered
// on that queue.
type Expert struct {
	log    zerolog.Logger
	cfg    Config
	queue  *queue.Queue
	loader imessage.ItemLoader
	ctx    context.Context

	events *pipeline.Pipeline[Event]

	sequence uint64
	seen     map[string]receipt
}

func New(ctx context.Context, q *queue.Queue, loader imessage.ItemLoader, cfg Config, log zerolog.Logger) *Expert {
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = DefaultSeenCapacity
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	return &Expert{
		log:    log.With().Str("component", "message_expert").Logger(),
		cfg:    cfg,
		queue:  q,
		loader: loader,
		ctx:    ctx,
		events: pipeline.New[Event](),
		seen:   make(map[string]receipt, cfg.SeenCapacity+1),
	}
}

// Events is the pipeline deduplicated events are published on.
func (e *Expert) Events() *pipeline.Pipeline[Event] {
	return e.events
}

// HandleStatusChange feeds a status notification into the expert.
func (e *Expert) HandleStatusChange(change imessage.StatusChange) {
	e.queue.Async(func() { e.processChange(change) })
}

// HandleMessage feeds a message observation into the expert.
func (e *Expert) HandleMessage(msg imessage.Message) {
	e.queue.Async(func() { e.processMessage(&msg) })
}

// ProcessFailed publishes a failure for the message with a known code.
func (e *Expert) ProcessFailed(id string, service imessage.Service, chatID string, code imessage.ErrorCode) {
	e.queue.Async(func() { e.processFailedCode(id, service, chatID, code) })
}

// SeenCount returns the number of message IDs in the dedup cache.
func (e *Expert) SeenCount() (n int) {
	e.queue.Sync(func() { n = len(e.seen) })
	return
}

// Seen returns the last event accepted for the message ID.
func (e *Expert) Seen(id string) (evt Event, ok bool) {
	e.queue.Sync(func() {
		var r receipt
		r, ok = e.seen[id]
		evt = r.event
	})
	return
}

func (e *Expert) send(evt Event) {
	if prev, ok := e.seen[evt.ID]; ok && prev.event.Equal(evt) {
		e.log.Trace().Str("message_id", evt.ID).Str("event_kind", string(evt.Kind)).Msg("Dropping duplicate message event")
		return
	}
	e.sequence++
	e.seen[evt.ID] = receipt{event: evt, sequence: e.sequence}
	if len(e.seen) > e.cfg.SeenCapacity {
		e.prune()
	}
	e.events.Send(evt)
}

// prune evicts the oldest receipts until the cache is back at capacity.
func (e *Expert) prune() {
	type entry struct {
		id       string
		sequence uint64
	}
	entries := make([]entry, 0, len(e.seen))
	for id, r := range e.seen {
		entries = append(entries, entry{id, r.sequence})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.sequence < b.sequence:
			return -1
		case a.sequence > b.sequence:
			return 1
		default:
			return 0
		}
	})
	for _, old := range entries[:len(entries)-e.cfg.SeenCapacity] {
		delete(e.seen, old.id)
	}
}

func (e *Expert) processChange(change imessage.StatusChange) {
	switch change.Type {
	case imessage.StatusNotDelivered:
		if change.HasFullMessage() {
			e.processFailedCode(change.MessageID, change.Service, change.ChatID, change.Message.ErrorCode)
		} else {
			e.processFailedLookup(change.MessageID, change.Service, change.ChatID)
		}
	case imessage.StatusDelivered:
		e.log.Info().Str("message_id", change.MessageID).Any("time", change.Time).Msg("Message was delivered")
		e.send(timedEvent(EventDelivered, change.MessageID, change.Service, change.ChatID, change.Time))
	case imessage.StatusRead:
		e.send(timedEvent(EventRead, change.MessageID, change.Service, change.ChatID, change.Time))
	case imessage.StatusSent:
		e.send(timedEvent(EventSent, change.MessageID, change.Service, change.ChatID, change.Time))
	default:
		e.log.Trace().Str("message_id", change.MessageID).Str("status", string(change.Type)).Msg("Ignoring status change")
	}
}

func (e *Expert) processMessage(msg *imessage.Message) {
	if msg.Failed {
		e.processFailedCode(msg.ID, msg.Service, msg.ChatID, msg.ErrorCode)
		return
	}
	if msg.SendProgress == imessage.SendProgressSending {
		e.send(timedEvent(EventSending, msg.ID, msg.Service, msg.ChatID, ptr.Ptr(msg.Time)))
	}
	if e.cfg.SuppressUnsentFromMe && msg.FromMe && !msg.IsSent {
		return
	}
	e.send(messageEvent(msg))
}

func (e *Expert) processFailedCode(id string, service imessage.Service, chatID string, code imessage.ErrorCode) {
	code = code.Normalize()
	e.log.Warn().Str("message_id", id).Stringer("error_code", code).Msg("Message failed")
	e.send(failedEvent(id, service, chatID, code))
}

func (e *Expert) processFailedLookup(id string, service imessage.Service, chatID string) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.LoadTimeout)
	defer cancel()
	msg, err := e.loader.LoadItem(ctx, id)
	if err != nil {
		e.log.Err(err).Str("message_id", id).Msg("Failed to load item to resolve failure code, dropping notification")
		return
	} else if msg == nil {
		e.log.Error().Str("message_id", id).Msg("Item for failed message could not be found, dropping notification")
		return
	}
	if service == "" {
		service = msg.Service
	}
	if chatID == "" {
		chatID = msg.ChatID
	}
	e.processFailedCode(id, service, chatID, msg.ErrorCode)
}
