package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lrhodin/barcelona/pkg/imessage"
)

// Notification is one decoded line of the daemon notification feed. The
// concrete type is one of *TransferNotification, *StatusNotification or
// *MessageNotification.
type Notification interface {
	isNotification()
}

type TransferEventKind string

const (
	TransferCreated  TransferEventKind = "transfer_created"
	TransferUpdated  TransferEventKind = "transfer_updated"
	TransferFinished TransferEventKind = "transfer_finished"
)

type TransferNotification struct {
	Kind   TransferEventKind
	Record imessage.TransferRecord
}

type StatusNotification struct {
	Change imessage.StatusChange
}

type MessageNotification struct {
	Message imessage.Message
}

func (*TransferNotification) isNotification() {}
func (*StatusNotification) isNotification()   {}
func (*MessageNotification) isNotification()  {}

const (
	feedTypeMessageStatus = "message_status"
	feedTypeMessage       = "message"
)

type feedLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var ErrUnknownNotification = errors.New("unknown notification type")

// DecodeNotification parses a single feed line.
func DecodeNotification(line []byte) (Notification, error) {
	var raw feedLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse feed line: %w", err)
	} else if len(raw.Data) == 0 {
		return nil, fmt.Errorf("feed line of type %q has no data", raw.Type)
	}
	var n Notification
	var target any
	switch raw.Type {
	case string(TransferCreated), string(TransferUpdated), string(TransferFinished):
		tn := &TransferNotification{Kind: TransferEventKind(raw.Type)}
		n, target = tn, &tn.Record
	case feedTypeMessageStatus:
		sn := &StatusNotification{}
		n, target = sn, &sn.Change
	case feedTypeMessage:
		mn := &MessageNotification{}
		n, target = mn, &mn.Message
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownNotification, raw.Type)
	}
	if err := json.Unmarshal(raw.Data, target); err != nil {
		return nil, fmt.Errorf("failed to parse %s data: %w", raw.Type, err)
	}
	return n, nil
}

const feedFallbackPoll = 5 * time.Second

// Feed reads notifications from a JSON lines file or stdin.
type Feed struct {
	path   string
	follow bool
	log    zerolog.Logger
}

func NewFeed(cfg FeedConfig, log zerolog.Logger) *Feed {
	return &Feed{
		path:   cfg.Path,
		follow: cfg.Follow,
		log:    log.With().Str("component", "feed").Logger(),
	}
}

// Run decodes notifications and passes them to handle until the input ends
// or ctx is done. Lines that fail to decode are logged and skipped. When
// following a file, Run waits for appended lines and starts over if the
// file is truncated or replaced.
func (f *Feed) Run(ctx context.Context, handle func(Notification)) error {
	if f.path == "-" {
		return f.readAll(ctx, bufio.NewReader(os.Stdin), handle)
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if !f.follow {
		return f.readAll(ctx, bufio.NewReader(file), handle)
	}
	return f.tail(ctx, file, handle)
}

func (f *Feed) readAll(ctx context.Context, r *bufio.Reader, handle func(Notification)) error {
	for ctx.Err() == nil {
		line, err := r.ReadBytes('\n')
		f.handleLine(line, handle)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read feed: %w", err)
		}
	}
	return ctx.Err()
}

func (f *Feed) tail(ctx context.Context, file *os.File, handle func(Notification)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create feed watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
		_ = file.Close()
	}()
	// Watch the directory so replacing the file is noticed too.
	if err = watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch feed directory: %w", err)
	}
	fallback := time.NewTicker(feedFallbackPoll)
	defer fallback.Stop()

	reader := bufio.NewReader(file)
	var partial []byte
	var offset int64
	for {
		for {
			chunk, err := reader.ReadBytes('\n')
			offset += int64(len(chunk))
			if errors.Is(err, io.EOF) {
				partial = append(partial, chunk...)
				break
			} else if err != nil {
				return fmt.Errorf("failed to read feed: %w", err)
			}
			if len(partial) > 0 {
				chunk = append(partial, chunk...)
				partial = nil
			}
			f.handleLine(chunk, handle)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != filepath.Clean(f.path) {
				continue
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				f.log.Info().Str("op", evt.Op.String()).Msg("Feed file replaced, reopening")
				if reopened, err := os.Open(f.path); err == nil {
					_ = file.Close()
					file, reader, partial, offset = reopened, bufio.NewReader(reopened), nil, 0
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn().Err(err).Msg("Feed watcher error")
		case <-fallback.C:
		}

		if stat, err := file.Stat(); err == nil && stat.Size() < offset {
			f.log.Info().Int64("size", stat.Size()).Int64("offset", offset).Msg("Feed file truncated, starting over")
			if _, err = file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("failed to rewind feed: %w", err)
			}
			reader.Reset(file)
			partial, offset = nil, 0
		}
	}
}

func (f *Feed) handleLine(line []byte, handle func(Notification)) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	n, err := DecodeNotification(line)
	if err != nil {
		f.log.Warn().Err(err).Msg("Dropping undecodable feed line")
		return
	}
	handle(n)
}
