// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package mediamonitor watches an outgoing message with attachments and
// reports once whether it was sent successfully.
package mediamonitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/barcelona/pkg/expert"
	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/pipeline"
)

const (
	DefaultTimeout = 60 * time.Second

	loadTimeout = 5 * time.Second
)

// Callback receives the single outcome of a monitor. code is nil on success.
type Callback func(success bool, code *imessage.ErrorCode, shouldCancel bool)

type MessageObserver interface {
	Observe(messageID func() string, callback func(expert.Event) expert.NextStep) *expert.Observer
}

type TransferSource interface {
	// Watch returns the current records of guids and subscribes callback to
	// later updates without a gap between the two.
	Watch(guids []string, callback func(imessage.TransferRecord)) (map[string]imessage.TransferRecord, *pipeline.Subscription)
}

type Config struct {
	TimeoutEnabled bool
	Timeout        time.Duration
}

// Deps are the shared components every monitor is built on.
type Deps struct {
	// Context bounds the chat.db loads monitors make. Nil means no bound
	// beyond the load timeout.
	Context   context.Context
	Messages  MessageObserver
	Transfers TransferSource
	Items     imessage.ItemLoader
	Config    Config
	Log       zerolog.Logger
}

type Monitor struct {
	id        uuid.UUID
	ctx       context.Context
	log       zerolog.Logger
	messageID func() string
	items     imessage.ItemLoader
	callback  Callback

	mu        sync.Mutex
	states    map[string]imessage.TransferState
	lastEvent *expert.Event
	resolved  bool
	closed    bool
	observer  *expert.Observer
	updates   *pipeline.Subscription
	timer     *time.Timer
}

// New starts monitoring the message whose ID is returned by messageID until
// all of transferGUIDs finished and the message reached a terminal state.
// The inputs are evaluated once before New returns, so callback may run
// before the monitor is handed to the caller.
func New(deps Deps, messageID func() string, transferGUIDs []string, callback Callback) *Monitor {
	m := &Monitor{
		id:        uuid.New(),
		ctx:       deps.Context,
		messageID: messageID,
		items:     deps.Items,
		callback:  callback,
		states:    make(map[string]imessage.TransferState, len(transferGUIDs)),
	}
	if m.ctx == nil {
		m.ctx = context.Background()
	}
	m.log = deps.Log.With().
		Str("component", "media_message_monitor").
		Stringer("monitor_id", m.id).
		Strs("transfer_guids", transferGUIDs).
		Logger()

	// Updates delivered before seeding finishes block on the lock.
	m.mu.Lock()
	snapshot, updates := deps.Transfers.Watch(transferGUIDs, m.handleTransfer)
	m.updates = updates
	for _, guid := range transferGUIDs {
		m.states[guid] = imessage.TransferUnknown
		if rec, ok := snapshot[guid]; ok {
			m.states[guid] = rec.ActualState()
		}
	}
	m.observer = deps.Messages.Observe(messageID, m.handleEvent)
	if deps.Config.TimeoutEnabled {
		timeout := deps.Config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		m.timer = time.AfterFunc(timeout, m.handleTimeout)
	}
	m.mu.Unlock()
	m.log.Debug().Msg("Started media message monitor")
	m.evaluate()
	return m
}

func (m *Monitor) ID() uuid.UUID {
	return m.id
}

// Resolved reports whether the callback has fired.
func (m *Monitor) Resolved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

// Close stops monitoring without firing the callback.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.teardownLocked()
}

func (m *Monitor) handleEvent(evt expert.Event) expert.NextStep {
	if !evt.IsLifecycle() {
		return expert.Continue
	}
	m.mu.Lock()
	if m.resolved || m.closed {
		m.mu.Unlock()
		return expert.Stop
	}
	if m.lastEvent != nil && m.lastEvent.Equal(evt) {
		m.mu.Unlock()
		return expert.Continue
	}
	m.lastEvent = &evt
	m.mu.Unlock()
	m.evaluate()
	return expert.Continue
}

func (m *Monitor) handleTransfer(rec imessage.TransferRecord) {
	m.mu.Lock()
	prev, tracked := m.states[rec.GUID]
	state := rec.ActualState()
	if !tracked || prev == state || m.resolved || m.closed {
		m.mu.Unlock()
		return
	}
	m.states[rec.GUID] = state
	m.log.Trace().Str("transfer_guid", rec.GUID).Stringer("state", state).Msg("Tracked transfer changed state")
	m.mu.Unlock()
	m.evaluate()
}

func (m *Monitor) handleTimeout() {
	m.mu.Lock()
	if m.resolved || m.closed {
		m.mu.Unlock()
		return
	}
	m.log.Warn().Msg("Media message monitor timed out")
	fire := m.resolveLocked(false, ptr.Ptr(imessage.ErrorAttachmentUploadFailure), true)
	m.mu.Unlock()
	fire()
}

func noop() {}

// evaluate applies the decision rule to the current inputs and fires the
// callback if it resolves the monitor. The send state check loads from
// chat.db, so it runs without the lock and its result may be slightly stale.
func (m *Monitor) evaluate() {
	m.mu.Lock()
	fire, needSendState := m.evaluateLocked(nil)
	m.mu.Unlock()
	if needSendState {
		sent := m.sentWithoutReceipts()
		m.mu.Lock()
		fire, _ = m.evaluateLocked(&sent)
		m.mu.Unlock()
	}
	fire()
}

// evaluateLocked returns the callback invocation to run once the lock is
// released. When the outcome depends on the message send state and sent is
// nil, it returns true instead of deciding.
func (m *Monitor) evaluateLocked(sent *bool) (func(), bool) {
	if m.resolved || m.closed {
		return noop, false
	}
	allFinished := true
	for guid, state := range m.states {
		if state.IsError() {
			m.log.Warn().Str("transfer_guid", guid).Stringer("state", state).Msg("Attachment transfer failed")
			return m.resolveLocked(false, ptr.Ptr(imessage.ErrorAttachmentUploadFailure), false), false
		} else if state != imessage.TransferFinished {
			allFinished = false
		}
	}
	if !allFinished {
		return noop, false
	}
	if m.lastEvent != nil {
		switch m.lastEvent.Kind {
		case expert.EventSent, expert.EventRead, expert.EventDelivered:
			return m.resolveLocked(true, nil, false), false
		}
	}
	// Services without receipts count as sent once the message is, even if
	// a failure was reported for it.
	if sent == nil {
		return noop, true
	} else if *sent {
		return m.resolveLocked(true, nil, false), false
	}
	if m.lastEvent != nil && m.lastEvent.Kind == expert.EventFailed {
		return m.resolveLocked(false, ptr.Ptr(m.lastEvent.Code), false), false
	}
	return noop, false
}

// sentWithoutReceipts reports whether the message was sent on a service
// that will never deliver a receipt for it.
func (m *Monitor) sentWithoutReceipts() bool {
	id := m.messageID()
	if id == "" || m.items == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(m.ctx, loadTimeout)
	defer cancel()
	msg, err := m.items.LoadItem(ctx, id)
	if err != nil {
		m.log.Err(err).Str("message_id", id).Msg("Failed to load message to check send state")
		return false
	}
	return msg != nil && msg.IsFinished && msg.IsSent && msg.Service != imessage.ServiceIMessage
}

func (m *Monitor) resolveLocked(success bool, code *imessage.ErrorCode, shouldCancel bool) func() {
	m.resolved = true
	m.teardownLocked()
	evt := m.log.Info().Bool("success", success).Bool("should_cancel", shouldCancel)
	if code != nil {
		evt = evt.Stringer("error_code", *code)
	}
	evt.Msg("Media message monitor resolved")
	return func() {
		m.callback(success, code, shouldCancel)
	}
}

func (m *Monitor) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.updates.Cancel()
	if m.observer != nil {
		m.observer.Cancel()
	}
}
