package channel

import (
	"context"
	"log/slog"
	"time"
)

// SetTyping reports input activity. The remote signal is written once on
// the first activity of a burst and cleared once after the quiet period,
// so a stream of keystrokes produces exactly one start and one stop
// transition. Passing false stops immediately.
func (c *Channel) SetTyping(typing bool) {
	c.mu.Lock()
	convID := c.convID
	if convID == "" {
		c.mu.Unlock()
		return
	}

	if !typing {
		if c.typingTimer != nil {
			c.typingTimer.Stop()
			c.typingTimer = nil
		}
		wasActive := c.typingActive
		c.typingActive = false
		c.mu.Unlock()
		if wasActive {
			c.writeTyping(convID, false)
		}
		return
	}

	start := !c.typingActive
	c.typingActive = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.quiet, func() { c.typingExpired(convID) })
	c.mu.Unlock()

	if start {
		c.writeTyping(convID, true)
	}
}

func (c *Channel) typingExpired(conversationID string) {
	c.mu.Lock()
	if c.convID != conversationID || !c.typingActive {
		c.mu.Unlock()
		return
	}
	c.typingActive = false
	c.typingTimer = nil
	c.mu.Unlock()

	c.writeTyping(conversationID, false)
}

func (c *Channel) writeTyping(conversationID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.typing.Set(ctx, conversationID, c.actorID, typing); err != nil {
		slog.Warn("failed to write typing signal", "conversation_id", conversationID, "error", err)
	}
}
