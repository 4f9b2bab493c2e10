package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/barcelona/pkg/expert"
	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/purged"
)

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"

	errorCodeFileTransferFailure = "file-transfer-failure"
)

type SendMessageStatus struct {
	GUID     string              `json:"guid"`
	ChatGUID string              `json:"chat_guid,omitempty"`
	Service  imessage.Service    `json:"service,omitempty"`
	Status   string              `json:"status"`
	Error    *imessage.ErrorCode `json:"error,omitempty"`
	Message  string              `json:"message,omitempty"`
	Time     *float64            `json:"time,omitempty"`
}

type ReadReceipt struct {
	ReadUpTo string   `json:"read_up_to"`
	ChatGUID string   `json:"chat_guid,omitempty"`
	ReadAt   *float64 `json:"read_at,omitempty"`
}

// eventHandler forwards deduplicated message events to the bridge over IPC.
// Incoming messages with purged attachments are held back until the
// attachments were re-downloaded.
type eventHandler struct {
	ctx    context.Context
	log    zerolog.Logger
	ipc    *ipcWriter
	items  imessage.ItemLoader
	purged *purged.Controller

	wg sync.WaitGroup
}

func newEventHandler(ctx context.Context, ipc *ipcWriter, items imessage.ItemLoader, ctrl *purged.Controller, log zerolog.Logger) *eventHandler {
	return &eventHandler{
		ctx:    ctx,
		log:    log.With().Str("component", "event_handler").Logger(),
		ipc:    ipc,
		items:  items,
		purged: ctrl,
	}
}

func (h *eventHandler) HandleEvent(evt expert.Event) {
	switch evt.Kind {
	case expert.EventMessage:
		h.handleMessage(evt.Message)
	case expert.EventSent:
		h.ipc.send(CommandSendMessageStatus, &SendMessageStatus{
			GUID: evt.ID, ChatGUID: evt.ChatID, Service: evt.Service, Status: StatusSent, Time: evt.Time,
		})
	case expert.EventDelivered:
		h.ipc.send(CommandSendMessageStatus, &SendMessageStatus{
			GUID: evt.ID, ChatGUID: evt.ChatID, Service: evt.Service, Status: StatusDelivered, Time: evt.Time,
		})
	case expert.EventFailed:
		code := evt.Code
		h.ipc.send(CommandSendMessageStatus, &SendMessageStatus{
			GUID: evt.ID, ChatGUID: evt.ChatID, Service: evt.Service, Status: StatusFailed,
			Error: &code, Message: code.String(),
		})
	case expert.EventRead:
		h.ipc.send(CommandReadReceipt, &ReadReceipt{ReadUpTo: evt.ID, ChatGUID: evt.ChatID, ReadAt: evt.Time})
	default:
		h.log.Trace().Str("message_id", evt.ID).Str("event_kind", string(evt.Kind)).Msg("Not forwarding event")
	}
}

func (h *eventHandler) handleMessage(msg *imessage.Message) {
	if len(msg.FileTransferIDs) == 0 || !h.purged.Enabled() || msg.FromMe {
		h.ipc.send(CommandMessage, msg)
		return
	}
	h.wg.Go(func() {
		outcomes := h.purged.Process(h.ctx, msg.FileTransferIDs)
		out := msg
		if len(outcomes) > 0 {
			refreshed, err := h.items.LoadItem(h.ctx, msg.ID)
			if err != nil {
				h.log.Err(err).Str("message_id", msg.ID).Msg("Failed to reload message after unpurging attachments")
			} else if refreshed != nil {
				out = refreshed
			}
		}
		h.ipc.send(CommandMessage, out)
	})
}

// Wait blocks until every held back message was forwarded.
func (h *eventHandler) Wait() {
	h.wg.Wait()
}

func (h *eventHandler) PurgedTransferResolved(rec imessage.TransferRecord) {
	h.log.Debug().Str("transfer_guid", rec.GUID).Str("path", rec.LocalPath).Msg("Purged transfer recovered")
}

func (h *eventHandler) PurgedTransferFailed(rec imessage.TransferRecord, err error) {
	h.ipc.send(CommandError, &IPCError{
		Code:         errorCodeFileTransferFailure,
		Message:      err.Error(),
		TransferGUID: rec.GUID,
	})
}
