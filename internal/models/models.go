package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageVideo  MessageKind = "video"
	MessageAudio  MessageKind = "audio"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Actor represents a registered user. Records are created at sign-up and
// mutated by profile edits and the presence tracker, never deleted.
type Actor struct {
	ID          string `json:"id" msgpack:"id"`
	Username    string `json:"username" msgpack:"username"` // unique, lowercased
	Email       string `json:"email" msgpack:"email"`
	DisplayName string `json:"displayName" msgpack:"displayName"`
	Bio         string `json:"bio" msgpack:"bio"`
	AvatarURL   string `json:"avatarUrl" msgpack:"avatarUrl"`
	LastSeen    int64  `json:"lastSeen" msgpack:"lastSeen"` // Unix timestamp (milliseconds)
}

// Presence is an actor's online status, stored separately from the profile
// so that status churn does not rewrite profile documents.
type Presence struct {
	Online   bool  `json:"online" msgpack:"online"`
	LastSeen int64 `json:"lastSeen" msgpack:"lastSeen"` // Unix timestamp (milliseconds)
}

// GroupMeta is group-conversation metadata, fixed at creation.
type GroupMeta struct {
	Name        string   `json:"name" msgpack:"name"`
	Description string   `json:"description,omitempty" msgpack:"description"`
	ImageURL    string   `json:"imageUrl,omitempty" msgpack:"imageUrl"`
	Admins      []string `json:"admins" msgpack:"admins"`
}

// Conversation is the canonical record of a direct or group thread.
// The participant set is immutable after creation.
type Conversation struct {
	ID           string           `json:"id" msgpack:"id"`
	Kind         ConversationKind `json:"kind" msgpack:"kind"`
	CreatedAt    int64            `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt    int64            `json:"updatedAt" msgpack:"updatedAt"`
	Participants []string         `json:"participants" msgpack:"participants"`
	Group        *GroupMeta       `json:"group,omitempty" msgpack:"group"`
	Messages     []Message        `json:"messages" msgpack:"messages"`
}

// Message is immutable once appended, except for the read flag which
// transitions false to true exactly once.
type Message struct {
	ID            string      `json:"id" msgpack:"id"`
	SenderID      string      `json:"senderId" msgpack:"senderId"`
	Kind          MessageKind `json:"kind" msgpack:"kind"`
	Text          string      `json:"text,omitempty" msgpack:"text"`
	AttachmentURL string      `json:"attachmentUrl,omitempty" msgpack:"attachmentUrl"`
	CreatedAt     int64       `json:"createdAt" msgpack:"createdAt"` // store-assigned, monotonic per conversation
	Read          bool        `json:"read" msgpack:"read"`
}

// IndexEntry is one actor's denormalized summary of one conversation,
// held inside that actor's userChats document.
type IndexEntry struct {
	ConversationID string     `json:"conversationId" msgpack:"conversationId"`
	PeerID         string     `json:"peerId,omitempty" msgpack:"peerId"` // direct conversations only
	Group          *GroupMeta `json:"group,omitempty" msgpack:"group"`
	LastMessage    string     `json:"lastMessage" msgpack:"lastMessage"`
	UpdatedAt      int64      `json:"updatedAt" msgpack:"updatedAt"`
	Seen           bool       `json:"seen" msgpack:"seen"`
}

// ChatData is the userChats document body.
type ChatData struct {
	ChatData []IndexEntry `json:"chatData" msgpack:"chatData"`
}

// TypingSignal is ephemeral, last-writer-wins state keyed by conversation.
type TypingSignal struct {
	Typing map[string]bool `json:"typing" msgpack:"typing"` // actor id -> typing
}

func (c *Conversation) HasParticipant(actorID string) bool {
	for _, p := range c.Participants {
		if p == actorID {
			return true
		}
	}
	return false
}

// PeerOf returns the other participant of a direct conversation.
func (c *Conversation) PeerOf(actorID string) string {
	if c.Kind != ConversationDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p != actorID {
			return p
		}
	}
	return ""
}
