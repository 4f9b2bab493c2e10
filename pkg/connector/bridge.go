package connector

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/barcelona/pkg/expert"
	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/mediamonitor"
	"github.com/lrhodin/barcelona/pkg/purged"
	"github.com/lrhodin/barcelona/pkg/queue"
	"github.com/lrhodin/barcelona/pkg/transfers"
)

// Bridge wires the notification feed and chat.db into the event engine and
// writes the results to the IPC output.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger

	DB        *ChatDB
	Expert    *expert.Expert
	Transfers *transfers.Center
	Purged    *purged.Controller

	feed          *Feed
	ipc           *ipcWriter
	handler       *eventHandler
	expertQueue   *queue.Queue
	transferQueue *queue.Queue
	ctx           context.Context
	cancel        context.CancelFunc

	monitorsLock sync.Mutex
	monitors     map[string]*mediamonitor.Monitor
}

// NewBridge opens chat.db and builds every component. IPC commands are
// written to out.
func NewBridge(ctx context.Context, cfg *Config, out io.Writer, log zerolog.Logger) (*Bridge, error) {
	if err := EnsureChatDBAccess(ctx, cfg.ChatDB.Path, cfg.ChatDB.WaitForAccess, log); err != nil {
		return nil, err
	}
	db, err := OpenChatDB(cfg.ChatDB.Path, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	br := &Bridge{
		Config:        cfg,
		Log:           log,
		DB:            db,
		feed:          NewFeed(cfg.Feed, log),
		ipc:           newIPCWriter(out, log),
		expertQueue:   queue.New("message_expert", log),
		transferQueue: queue.New("file_transfer_center", log),
		ctx:           ctx,
		cancel:        cancel,
		monitors:      make(map[string]*mediamonitor.Monitor),
	}
	br.Expert = expert.New(ctx, br.expertQueue, db, cfg.ExpertConfig(), log)
	br.Transfers = transfers.New(ctx, br.transferQueue, db, cfg.TransfersConfig(), log)
	// The handler is the controller's delegate and the controller is the
	// handler's dependency, so the handler is filled in afterwards.
	br.handler = newEventHandler(ctx, br.ipc, db, nil, log)
	br.Purged = purged.New(cfg.PurgedConfig(), br.Transfers, br.ipc, br.handler, logErrorReporter{log: log}, log)
	br.handler.purged = br.Purged
	br.Expert.Events().Pipe(br.handler.HandleEvent)
	return br, nil
}

// Start reads the feed until it ends or ctx is done.
func (br *Bridge) Start(ctx context.Context) error {
	br.Log.Info().
		Str("chat_db", br.Config.ChatDB.Path).
		Str("feed", br.Config.Feed.Path).
		Bool("purged_attachments", br.Config.PurgedAttachments.Enabled).
		Msg("Starting event engine")
	err := br.feed.Run(ctx, br.Dispatch)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("feed stopped: %w", err)
	}
	return nil
}

// Dispatch routes a single notification to the component that owns it.
func (br *Bridge) Dispatch(n Notification) {
	switch n := n.(type) {
	case *TransferNotification:
		switch n.Kind {
		case TransferCreated:
			br.Transfers.HandleCreated(n.Record)
		case TransferUpdated:
			br.Transfers.HandleUpdated(n.Record)
		case TransferFinished:
			br.Transfers.HandleFinished(n.Record)
		}
	case *StatusNotification:
		br.Expert.HandleStatusChange(n.Change)
	case *MessageNotification:
		br.Expert.HandleMessage(n.Message)
		if n.Message.FromMe && n.Message.SendProgress == imessage.SendProgressSending && len(n.Message.FileTransferIDs) > 0 {
			br.monitorMediaMessage(n.Message)
		}
	}
}

func (br *Bridge) monitorMediaMessage(msg imessage.Message) {
	br.monitorsLock.Lock()
	defer br.monitorsLock.Unlock()
	if _, ok := br.monitors[msg.ID]; ok {
		return
	}
	deps := mediamonitor.Deps{
		Context:   br.ctx,
		Messages:  br.Expert,
		Transfers: br.Transfers,
		Items:     br.DB,
		Config:    br.Config.MediaMonitorConfig(),
		Log:       br.Log,
	}
	mon := mediamonitor.New(deps, func() string { return msg.ID }, msg.FileTransferIDs, func(success bool, code *imessage.ErrorCode, shouldCancel bool) {
		go br.mediaMessageResolved(msg, success, code, shouldCancel)
	})
	br.monitors[msg.ID] = mon
}

func (br *Bridge) mediaMessageResolved(msg imessage.Message, success bool, code *imessage.ErrorCode, shouldCancel bool) {
	br.monitorsLock.Lock()
	delete(br.monitors, msg.ID)
	br.monitorsLock.Unlock()
	log := br.Log.With().Str("message_id", msg.ID).Logger()
	if success {
		log.Debug().Msg("Media message completed")
		return
	}
	status := &SendMessageStatus{GUID: msg.ID, ChatGUID: msg.ChatID, Service: msg.Service, Status: StatusFailed, Error: code}
	if code != nil {
		status.Message = code.String()
	}
	log.Warn().Bool("should_cancel", shouldCancel).Msg("Media message failed")
	br.ipc.send(CommandSendMessageStatus, status)
	if shouldCancel {
		br.ipc.send(CommandCancelMessage, &SendMessageStatus{GUID: msg.ID, ChatGUID: msg.ChatID, Status: StatusFailed})
	}
}

// ActiveMonitors returns the number of media messages being tracked.
func (br *Bridge) ActiveMonitors() int {
	br.monitorsLock.Lock()
	defer br.monitorsLock.Unlock()
	return len(br.monitors)
}

// Stop tears down every component. Running unpurge jobs are cancelled and
// the messages they held back are forwarded as they are.
func (br *Bridge) Stop() {
	br.cancel()
	br.handler.Wait()
	br.monitorsLock.Lock()
	for id, mon := range br.monitors {
		mon.Close()
		delete(br.monitors, id)
	}
	br.monitorsLock.Unlock()
	br.Transfers.Close()
	br.transferQueue.Close()
	br.expertQueue.Close()
	if err := br.DB.Close(); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to close chat.db")
	}
	br.Log.Info().Msg("Event engine stopped")
}
