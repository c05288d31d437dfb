package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"govorilka/internal/channel"
	"govorilka/internal/content"
	"govorilka/internal/media"
	"govorilka/internal/models"
	"govorilka/internal/roster"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection bridges one signed-in browser client to its roster and
// channel: client ops in, live snapshots out.
type Connection struct {
	ws         wsConnection
	roster     *roster.Roster
	channel    *channel.Channel
	actorID    string
	fromClient chan ClientMessage
	errorCh    chan error
}

func NewConnection(ws wsConnection, ros *roster.Roster, ch *channel.Channel, actorID string) *Connection {
	return &Connection{
		ws:         ws,
		roster:     ros,
		channel:    ch,
		actorID:    actorID,
		fromClient: make(chan ClientMessage),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	slog.Info("client connected", "actor_id", c.actorID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.channel.Close()
		close(c.fromClient)
		close(c.errorCh)
		slog.Info("client disconnected", "actor_id", c.actorID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(ctx, msg); err != nil {
				return err
			}
		case entries := <-c.roster.Updates():
			if err := c.ws.WriteJSON(ServerMessage{
				Type:    ServerMessageTypeIndex,
				Entries: entries,
			}); err != nil {
				return err
			}
		case msgs := <-c.channel.Messages():
			err := c.ws.WriteJSON(ServerMessage{
				Type:           ServerMessageTypeMessages,
				ConversationID: c.channel.ConversationID(),
				Messages:       renderMessages(msgs),
				Separators:     channel.DaySeparators(msgs, time.Local),
			})
			if err != nil {
				return err
			}
			// Everything in view is incoming-read now; repeated calls
			// are free when nothing is unread.
			if err := c.channel.MarkIncomingAsRead(ctx); err != nil {
				c.reportError(err)
			}
		case typing := <-c.channel.PeerTyping():
			err := c.ws.WriteJSON(ServerMessage{
				Type:           ServerMessageTypeTyping,
				ConversationID: c.channel.ConversationID(),
				IsTyping:       typing,
			})
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case ClientMessageTypeSelect:
		convID, err := c.roster.Select(ctx, msg.ConversationID)
		if err != nil {
			c.reportError(err)
			return nil
		}
		c.channel.Open(convID)
		return c.ws.WriteJSON(ServerMessage{
			Type:           ServerMessageTypeState,
			ConversationID: convID,
			State:          c.channel.State().String(),
		})

	case ClientMessageTypeCloseChat:
		c.channel.Close()
		return c.ws.WriteJSON(ServerMessage{
			Type:  ServerMessageTypeState,
			State: c.channel.State().String(),
		})

	case ClientMessageTypeSend:
		var att *media.Attachment
		if len(msg.AttachmentData) > 0 {
			att = &media.Attachment{Name: msg.AttachmentName, Payload: msg.AttachmentData}
		}
		if err := c.channel.Send(ctx, msg.Text, att); err != nil {
			c.reportError(err)
		}

	case ClientMessageTypeTyping:
		c.channel.SetTyping(msg.IsTyping)

	case ClientMessageTypeMarkRead:
		if err := c.channel.MarkIncomingAsRead(ctx); err != nil {
			c.reportError(err)
		}

	case ClientMessageTypeSearch:
		actor, err := c.roster.Search(ctx, msg.Query)
		if err != nil {
			c.reportError(err)
			return nil
		}
		return c.ws.WriteJSON(ServerMessage{
			Type:  ServerMessageTypeSearchResult,
			Actor: actor,
		})

	case ClientMessageTypeStartChat:
		if _, err := c.roster.StartDirect(ctx, msg.PeerID); err != nil {
			c.reportError(err)
		}

	case ClientMessageTypeCreateGroup:
		if _, err := c.roster.CreateGroup(ctx, msg.Name, msg.Description, msg.ImageURL, msg.MemberIDs); err != nil {
			c.reportError(err)
		}
	}

	return nil
}

// renderMessages converts text message bodies to sanitized HTML for the
// browser client. A render failure falls back to the plain text.
func renderMessages(msgs []models.Message) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = MessageView{Message: m}
		if m.Text == "" {
			continue
		}
		html, err := content.RenderMarkdown(m.Text)
		if err != nil {
			slog.Warn("failed to render message", "message_id", m.ID, "error", err)
			continue
		}
		views[i].HTML = html
	}
	return views
}

func (c *Connection) reportError(err error) {
	// Errors are scoped to the triggering action, never fatal to the
	// connection.
	_ = c.ws.WriteJSON(ServerMessage{
		Type:  ServerMessageTypeError,
		Error: err.Error(),
	})
}
