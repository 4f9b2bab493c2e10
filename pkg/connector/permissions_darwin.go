// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

//go:build darwin && !ios

package connector

import (
	"os/exec"

	"github.com/rs/zerolog"
)

func promptFullDiskAccess(log zerolog.Logger) {
	log.Warn().Msg("Full Disk Access not granted, prompting user")
	script := `display dialog "barcelona needs Full Disk Access to read message and attachment state from chat.db.\n\nClick OK to open System Settings, then enable the toggle for barcelona." with title "Barcelona" buttons {"OK"} default button "OK"`
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		log.Debug().Err(err).Msg("Failed to show Full Disk Access dialog")
	}
	if err := exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy_AllFiles").Run(); err != nil {
		log.Debug().Err(err).Msg("Failed to open privacy settings")
	}
}
