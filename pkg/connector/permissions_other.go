//go:build !darwin || ios

package connector

import (
	"github.com/rs/zerolog"
)

func promptFullDiskAccess(log zerolog.Logger) {
	log.Warn().Msg("chat.db is not readable, check the file permissions")
}
