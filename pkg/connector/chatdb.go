package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/opbuffer"
)

// appleEpoch is the reference date of chat.db timestamps.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// SQLite has a limit on the number of variables, so IN queries are chunked.
const queryChunkSize = 500

func DefaultChatDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Messages", "chat.db"), nil
}

// ChatDB reads messages and attachments from the local chat.db. Concurrent
// item loads for overlapping GUIDs share database queries.
type ChatDB struct {
	db  *dbutil.Database
	log zerolog.Logger

	items *opbuffer.Buffer[string, *imessage.Message]
}

// OpenChatDB opens chat.db read-only.
func OpenChatDB(path string, log zerolog.Logger) (*ChatDB, error) {
	raw, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to wrap chat.db: %w", err)
	}
	log = log.With().Str("component", "chat_db").Logger()
	return &ChatDB{
		db:    db,
		log:   log,
		items: opbuffer.New(func(msg *imessage.Message) string { return msg.ID }, log),
	}, nil
}

func (c *ChatDB) Close() error {
	return c.db.Close()
}

// LoadItem implements imessage.ItemLoader.
func (c *ChatDB) LoadItem(ctx context.Context, guid string) (*imessage.Message, error) {
	msgs, err := c.LoadItems(ctx, []string{guid})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// LoadItems returns the messages for the given GUIDs that exist, in request
// order.
func (c *ChatDB) LoadItems(ctx context.Context, guids []string) ([]*imessage.Message, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	return c.items.Load(ctx, guids, c.fetchMessages)
}

const messageSelect = `
	SELECT m.guid, COALESCE(c.guid, ''), COALESCE(m.service, ''), COALESCE(h.id, ''),
	       COALESCE(m.text, ''), m.date, m.is_from_me, m.is_sent, m.is_finished, m.error
	FROM message m
	LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
	LEFT JOIN chat c ON c.ROWID = cmj.chat_id
	LEFT JOIN handle h ON h.ROWID = m.handle_id
`

func (c *ChatDB) fetchMessages(ctx context.Context, guids []string) ([]*imessage.Message, error) {
	out := make([]*imessage.Message, 0, len(guids))
	byGUID := make(map[string]*imessage.Message, len(guids))
	for i := 0; i < len(guids); i += queryChunkSize {
		end := min(i+queryChunkSize, len(guids))
		placeholders, args := inClause(guids[i:end])

		rows, err := c.db.Query(ctx, messageSelect+`WHERE m.guid IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan message: %w", err)
			}
			if _, dup := byGUID[msg.ID]; dup {
				continue
			}
			byGUID[msg.ID] = msg
			out = append(out, msg)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}

		rows, err = c.db.Query(ctx, `
			SELECT m.guid, a.guid
			FROM message m
			JOIN message_attachment_join maj ON maj.message_id = m.ROWID
			JOIN attachment a ON a.ROWID = maj.attachment_id
			WHERE m.guid IN (`+placeholders+`)
			ORDER BY a.ROWID
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query message attachments: %w", err)
		}
		for rows.Next() {
			var msgGUID, attGUID string
			if err = rows.Scan(&msgGUID, &attGUID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan message attachment: %w", err)
			}
			if msg, ok := byGUID[msgGUID]; ok {
				msg.FileTransferIDs = append(msg.FileTransferIDs, attGUID)
			}
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanMessage(row dbutil.Scannable) (*imessage.Message, error) {
	var msg imessage.Message
	var service string
	var date int64
	var errorCode int
	err := row.Scan(&msg.ID, &msg.ChatID, &service, &msg.SenderID, &msg.Text, &date,
		&msg.FromMe, &msg.IsSent, &msg.IsFinished, &errorCode)
	if err != nil {
		return nil, err
	}
	msg.Service = imessage.Service(service)
	msg.Time = appleTimestampToUnix(date)
	if errorCode != 0 {
		msg.Failed = true
		msg.ErrorCode = imessage.ErrorCode(errorCode).Normalize()
		msg.SendProgress = imessage.SendProgressFailed
	} else if msg.FromMe && msg.IsSent {
		msg.SendProgress = imessage.SendProgressSent
	} else if msg.FromMe && !msg.IsFinished {
		msg.SendProgress = imessage.SendProgressSending
	}
	return &msg, nil
}

// LoadAttachment implements imessage.AttachmentLoader. The MIME type is
// sniffed from the file when chat.db doesn't have one.
func (c *ChatDB) LoadAttachment(ctx context.Context, guid string) (*imessage.AttachmentInfo, error) {
	var info imessage.AttachmentInfo
	var state int
	err := c.db.QueryRow(ctx, `
		SELECT a.guid, COALESCE(m.guid, ''), COALESCE(a.filename, ''), COALESCE(a.mime_type, ''),
		       a.total_bytes, a.is_outgoing, a.transfer_state
		FROM attachment a
		LEFT JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
		LEFT JOIN message m ON m.ROWID = maj.message_id
		WHERE a.guid=$1
	`, guid).Scan(&info.GUID, &info.MessageGUID, &info.Filename, &info.MimeType,
		&info.TotalBytes, &info.IsOutgoing, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query attachment %s: %w", guid, err)
	}
	info.State = imessage.ParseTransferState(state)
	info.Filename = expandHome(info.Filename)
	if info.MimeType == "" && info.Filename != "" {
		if mime, err := mimetype.DetectFile(info.Filename); err == nil {
			info.MimeType = mime.String()
		} else {
			c.log.Debug().Err(err).Str("transfer_guid", guid).Msg("Failed to detect attachment MIME type")
		}
	}
	return &info, nil
}

// LookupTransfer implements transfers.TransferLookup by deriving a transfer
// snapshot from the attachment row and the file on disk. chat.db doesn't
// record auto-download eligibility, so incoming attachments are assumed
// eligible.
func (c *ChatDB) LookupTransfer(ctx context.Context, guid string) (*imessage.TransferRecord, error) {
	info, err := c.LoadAttachment(ctx, guid)
	if err != nil || info == nil {
		return nil, err
	}
	rec := &imessage.TransferRecord{
		GUID:            info.GUID,
		MessageGUID:     info.MessageGUID,
		State:           info.State,
		IsIncoming:      !info.IsOutgoing,
		IsFinished:      info.State == imessage.TransferFinished,
		LocalPath:       info.Filename,
		CanAutoDownload: !info.IsOutgoing,
		TotalBytes:      info.TotalBytes,
	}
	if info.Filename != "" {
		_, statErr := os.Stat(info.Filename)
		rec.ExistsAtLocalPath = statErr == nil
	}
	rec.InSandboxedLocation = strings.HasPrefix(rec.LocalPath, imessage.SandboxPrefix)
	return rec, nil
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

// appleTimestampToUnix converts a chat.db date to Unix seconds. Newer
// databases store nanoseconds since the Apple epoch, older ones seconds.
func appleTimestampToUnix(date int64) float64 {
	seconds := float64(date)
	if date > 1_000_000_000_000 {
		seconds = float64(date) / float64(time.Second)
	}
	return float64(appleEpoch.Unix()) + seconds
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
