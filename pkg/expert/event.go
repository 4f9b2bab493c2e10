// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package expert

import (
	"github.com/lrhodin/barcelona/pkg/imessage"
)

// EventKind discriminates the Event variants.
type EventKind string

const (
	EventFailed    EventKind = "failed"
	EventDelivered EventKind = "delivered"
	EventRead      EventKind = "read"
	EventSending   EventKind = "sending"
	EventSent      EventKind = "sent"
	EventMessage   EventKind = "message"
)

// Event is emitted whenever something significant happened to a message.
//
// Which fields are set depends on Kind: Code only for failed events, Time
// only for delivered/read/sending/sent, Message only for message events.
type Event struct {
	Kind    EventKind
	ID      string
	Service imessage.Service
	ChatID  string

	Time    *float64
	Code    imessage.ErrorCode
	Message *imessage.Message
}

// IsLifecycle reports whether the event describes delivery progress rather
// than a new message.
func (e Event) IsLifecycle() bool {
	return e.Kind != EventMessage
}

// Equal compares two events structurally, per variant.
func (e Event) Equal(other Event) bool {
	if e.Kind != other.Kind || e.ID != other.ID || e.Service != other.Service || e.ChatID != other.ChatID {
		return false
	}
	switch e.Kind {
	case EventFailed:
		return e.Code == other.Code
	case EventMessage:
		return e.Message.Equal(other.Message)
	default:
		return timeEqual(e.Time, other.Time)
	}
}

func timeEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func failedEvent(id string, service imessage.Service, chatID string, code imessage.ErrorCode) Event {
	return Event{Kind: EventFailed, ID: id, Service: service, ChatID: chatID, Code: code}
}

func timedEvent(kind EventKind, id string, service imessage.Service, chatID string, time *float64) Event {
	return Event{Kind: kind, ID: id, Service: service, ChatID: chatID, Time: time}
}

func messageEvent(msg *imessage.Message) Event {
	return Event{Kind: EventMessage, ID: msg.ID, Service: msg.Service, ChatID: msg.ChatID, Message: msg}
}
