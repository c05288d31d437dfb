package ws

import (
	"govorilka/internal/models"
	"govorilka/internal/roster"
)

type ClientMessageType string

const (
	ClientMessageTypeSelect      ClientMessageType = "select"
	ClientMessageTypeCloseChat   ClientMessageType = "close"
	ClientMessageTypeSend        ClientMessageType = "send"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeMarkRead    ClientMessageType = "markRead"
	ClientMessageTypeSearch      ClientMessageType = "search"
	ClientMessageTypeStartChat   ClientMessageType = "startChat"
	ClientMessageTypeCreateGroup ClientMessageType = "createGroup"
)

// ClientMessage is sent from the browser client to the gateway.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	Text           string            `json:"text,omitempty"`
	IsTyping       bool              `json:"isTyping,omitempty"`
	Query          string            `json:"query,omitempty"`
	PeerID         string            `json:"peerId,omitempty"`

	// Group creation fields.
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	MemberIDs   []string `json:"memberIds,omitempty"`

	// Attachment previously uploaded through the media endpoint.
	AttachmentName string `json:"attachmentName,omitempty"`
	AttachmentData []byte `json:"attachmentData,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeIndex        ServerMessageType = "index"
	ServerMessageTypeMessages     ServerMessageType = "messages"
	ServerMessageTypeTyping       ServerMessageType = "typing"
	ServerMessageTypeState        ServerMessageType = "state"
	ServerMessageTypeSearchResult ServerMessageType = "searchResult"
	ServerMessageTypeError        ServerMessageType = "error"
)

// MessageView is a message prepared for rendering: the stored record plus
// its text converted to sanitized HTML.
type MessageView struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

// ServerMessage is pushed from the gateway to the browser client.
type ServerMessage struct {
	Type           ServerMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	State          string            `json:"state,omitempty"`
	Entries        []roster.Entry    `json:"entries,omitempty"`
	Messages       []MessageView     `json:"messages,omitempty"`
	Separators     []int             `json:"separators,omitempty"`
	IsTyping       bool              `json:"isTyping,omitempty"`
	Actor          *models.Actor     `json:"actor,omitempty"`
	Error          string            `json:"error,omitempty"`
}
