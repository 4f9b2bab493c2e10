// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const (
	CommandMessage           = "message"
	CommandSendMessageStatus = "send_message_status"
	CommandReadReceipt       = "read_receipt"
	CommandError             = "error"
	CommandRegisterTransfer  = "register_transfer"
	CommandAcceptTransfer    = "accept_transfer"
	CommandCancelMessage     = "cancel_message"
)

type ipcCommand struct {
	Command string `json:"command"`
	ID      int    `json:"id"`
	Data    any    `json:"data,omitempty"`
}

type transferCommand struct {
	GUID string `json:"guid"`
}

// IPCError is the payload of an error command.
type IPCError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	TransferGUID string `json:"transfer_guid,omitempty"`
}

// ipcWriter writes outbound commands as JSON lines. It doubles as the
// daemon control channel for the purged attachment controller.
type ipcWriter struct {
	log zerolog.Logger

	lock   sync.Mutex
	enc    *json.Encoder
	nextID int
}

func newIPCWriter(out io.Writer, log zerolog.Logger) *ipcWriter {
	return &ipcWriter{
		log: log.With().Str("component", "ipc").Logger(),
		enc: json.NewEncoder(out),
	}
}

// Send writes a single command and returns the ID assigned to it.
func (w *ipcWriter) Send(command string, data any) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.nextID++
	cmd := ipcCommand{Command: command, ID: w.nextID, Data: data}
	if err := w.enc.Encode(&cmd); err != nil {
		return 0, fmt.Errorf("failed to write %s command: %w", command, err)
	}
	w.log.Trace().Str("command", command).Int("id", cmd.ID).Msg("Sent IPC command")
	return cmd.ID, nil
}

func (w *ipcWriter) send(command string, data any) {
	if _, err := w.Send(command, data); err != nil {
		w.log.Err(err).Msg("Failed to send IPC command")
	}
}

func (w *ipcWriter) RegisterTransfer(ctx context.Context, guid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := w.Send(CommandRegisterTransfer, &transferCommand{GUID: guid})
	return err
}

func (w *ipcWriter) AcceptTransfer(ctx context.Context, guid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := w.Send(CommandAcceptTransfer, &transferCommand{GUID: guid})
	return err
}

// logErrorReporter is the error observability sink.
type logErrorReporter struct {
	log zerolog.Logger
}

func (r logErrorReporter) ReportError(err error, transferGUID string) {
	r.log.Error().Err(err).Str("transfer_guid", transferGUID).Msg("Purged attachment could not be recovered")
}
