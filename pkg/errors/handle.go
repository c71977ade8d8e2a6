package errors

import (
	"fmt"

	"github.com/small-frappuccino/discordsync/pkg/log"
)

// HandleDiscordError runs fn and logs a failure under operation. The error
// returned by fn is passed through unmodified.
func HandleDiscordError(operation string, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("nil function provided")
	}
	err := fn()
	if err == nil {
		return nil
	}
	log.ErrorLoggerRaw().Error("Discord operation failed",
		"operation", operation,
		"category", string(Classify(err)),
		"error", err,
	)
	return err
}
