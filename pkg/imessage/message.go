// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package imessage contains the domain types shared by the event engine:
// message snapshots, status changes, file transfer records and the error
// taxonomy surfaced to bridge consumers.
package imessage

import (
	"context"
	"slices"
)

// Service is the messaging service a message or chat belongs to.
type Service string

const (
	ServiceIMessage Service = "iMessage"
	ServiceSMS      Service = "SMS"
	ServiceRCS      Service = "RCS"
)

// SendProgress mirrors the send state the daemon reports for outgoing items.
type SendProgress int

const (
	SendProgressUnknown SendProgress = iota
	SendProgressSending
	SendProgressSent
	SendProgressFailed
)

// Message is a snapshot of a message item as observed on the message feed
// or loaded from the persistence layer. Time is in Unix seconds.
type Message struct {
	ID           string       `json:"guid"`
	ChatID       string       `json:"chat_guid"`
	Service      Service      `json:"service"`
	SenderID     string       `json:"sender,omitempty"`
	Text         string       `json:"text,omitempty"`
	Time         float64      `json:"time"`
	FromMe       bool         `json:"is_from_me"`
	IsSent       bool         `json:"is_sent"`
	IsFinished   bool         `json:"is_finished"`
	Failed       bool         `json:"failed"`
	ErrorCode    ErrorCode    `json:"error_code"`
	SendProgress SendProgress `json:"send_progress"`

	FileTransferIDs []string `json:"file_transfer_guids,omitempty"`
}

// Equal compares every field of two snapshots.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.ID == other.ID &&
		m.ChatID == other.ChatID &&
		m.Service == other.Service &&
		m.SenderID == other.SenderID &&
		m.Text == other.Text &&
		m.Time == other.Time &&
		m.FromMe == other.FromMe &&
		m.IsSent == other.IsSent &&
		m.IsFinished == other.IsFinished &&
		m.Failed == other.Failed &&
		m.ErrorCode == other.ErrorCode &&
		m.SendProgress == other.SendProgress &&
		slices.Equal(m.FileTransferIDs, other.FileTransferIDs)
}

// StatusType is the kind of a message status change.
type StatusType string

const (
	StatusDelivered    StatusType = "delivered"
	StatusRead         StatusType = "read"
	StatusPlayed       StatusType = "played"
	StatusDowngraded   StatusType = "downgraded"
	StatusNotDelivered StatusType = "notDelivered"
	StatusSent         StatusType = "sent"
)

// StatusChange is a single update to the delivery state of a message.
// Message is only set when the daemon delivered the full item alongside
// the change.
type StatusChange struct {
	Type      StatusType `json:"type"`
	Service   Service    `json:"service"`
	Time      *float64   `json:"time,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	FromMe    bool       `json:"from_me"`
	ChatID    string     `json:"chat_guid"`
	MessageID string     `json:"message_guid"`

	Message *Message `json:"message,omitempty"`
}

// HasFullMessage reports whether the change carries the full message item.
func (c *StatusChange) HasFullMessage() bool {
	return c.Message != nil
}

// ItemLoader resolves message items from the persistence layer.
// A nil message with a nil error means the item does not exist.
type ItemLoader interface {
	LoadItem(ctx context.Context, guid string) (*Message, error)
}

// AttachmentInfo is the persisted metadata of an attachment.
type AttachmentInfo struct {
	GUID        string
	MessageGUID string
	Filename    string
	MimeType    string
	TotalBytes  int64
	IsOutgoing  bool
	State       TransferState
}

// AttachmentLoader resolves attachment metadata from the persistence layer.
type AttachmentLoader interface {
	LoadAttachment(ctx context.Context, guid string) (*AttachmentInfo, error)
}
