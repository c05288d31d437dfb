package media

import (
	"context"
	"strings"

	"govorilka/internal/models"

	"github.com/h2non/filetype"
)

// Uploader is the media upload collaborator. It accepts a binary payload
// and an upload-preset identifier and returns a publicly retrievable URL.
// There is no client-side retry.
type Uploader interface {
	Upload(ctx context.Context, name string, payload []byte, preset string) (string, error)
}

// Attachment is a pending upload attached to an outgoing message.
type Attachment struct {
	Name    string
	Payload []byte
}

// Kind infers the message kind for an attachment from its payload magic
// bytes, falling back to the MIME supertype of the declared content type.
// Anything unrecognized is a plain file.
func Kind(payload []byte, contentType string) models.MessageKind {
	switch {
	case filetype.IsImage(payload):
		return models.MessageImage
	case filetype.IsVideo(payload):
		return models.MessageVideo
	case filetype.IsAudio(payload):
		return models.MessageAudio
	}

	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageAudio
	default:
		return models.MessageFile
	}
}
