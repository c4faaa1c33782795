package protocol

import (
	"encoding/json"

	"go.uber.org/zap"
)

// progressNotificationParams is the wire shape of notifications/progress.
type progressNotificationParams struct {
	ProgressToken uint64   `json:"progressToken"`
	Progress      float64  `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// handleProgressNotification locates the pending request a
// notifications/progress message refers to and resets its timeout.
// Unknown tokens are dropped silently. When a rate limit is configured,
// notifications arriving faster than it allows are also dropped before
// they touch the pending request's timer, so a peer can't stall a
// deadline indefinitely by flooding progress updates.
func (e *Engine) handleProgressNotification(params json.RawMessage) {
	var p progressNotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		e.logger.Debug("dropping malformed notifications/progress", zap.Error(err))
		return
	}
	pending, ok := e.pending.lookupByToken(p.ProgressToken)
	if !ok {
		return // unknown token: silently ignored.
	}
	if e.progressLimiter != nil && !e.progressLimiter.Allow() {
		e.logger.Debug("dropping notifications/progress over rate limit", zap.Uint64("progressToken", p.ProgressToken))
		return
	}
	pending.onProgressNotification(ProgressUpdate{Progress: p.Progress, Total: p.Total, Message: p.Message})
}

// buildProgressParams renders the outbound notifications/progress
// payload for a token this engine allocated.
func buildProgressParams(token uint64, progress float64, total *float64, message string) progressNotificationParams {
	return progressNotificationParams{ProgressToken: token, Progress: progress, Total: total, Message: message}
}
