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
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const accessPollInterval = 2 * time.Second

// CanReadChatDB checks that chat.db exists and can be queried, which on
// macOS requires Full Disk Access.
func CanReadChatDB(path string, log zerolog.Logger) bool {
	if _, err := os.Stat(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("chat.db not found")
		return false
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to open chat.db")
		return false
	}
	defer db.Close()
	rows, err := db.Query("SELECT 1 FROM message LIMIT 1")
	if err != nil {
		if isPermissionError(err) {
			log.Warn().Err(err).Str("path", path).Msg("Permission denied querying chat.db (Full Disk Access not granted?)")
		} else {
			log.Warn().Err(err).Str("path", path).Msg("chat.db test query failed")
		}
		return false
	}
	_ = rows.Close()
	log.Debug().Str("path", path).Msg("chat.db is accessible")
	return true
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "authorization denied")
}

// EnsureChatDBAccess returns an error if chat.db can't be read. With wait
// set, the user is prompted once and the check is retried until it passes
// or ctx is done.
func EnsureChatDBAccess(ctx context.Context, path string, wait bool, log zerolog.Logger) error {
	if CanReadChatDB(path, log) {
		return nil
	} else if !wait {
		return fmt.Errorf("can't read %s, grant Full Disk Access and try again", path)
	}
	promptFullDiskAccess(log)
	ticker := time.NewTicker(accessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if CanReadChatDB(path, zerolog.Nop()) {
			log.Info().Msg("Full Disk Access granted")
			return nil
		}
	}
}
