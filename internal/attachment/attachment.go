// Package attachment classifies uploaded files and derives the message type
// of attachment-only messages.
package attachment

import (
	"errors"
	"io"
	"strings"

	"marketchat/internal/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// headerSize is how much of a file filetype needs to recognise it.
const headerSize = 261

var ErrEmptyFile = errors.New("empty file")

// Detect sniffs the MIME type of the content in head. Unknown content is
// reported as a generic file with application/octet-stream.
func Detect(head []byte) (models.AttachmentType, string) {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return models.AttachmentTypeFile, "application/octet-stream"
	}

	switch {
	case filetype.IsImage(head):
		return models.AttachmentTypeImage, kind.MIME.Value
	case filetype.IsVideo(head):
		return models.AttachmentTypeVideo, kind.MIME.Value
	default:
		return models.AttachmentTypeFile, kind.MIME.Value
	}
}

// Sniff reads the header of r and returns it together with the detected
// type. The returned header must be written before the rest of r.
func Sniff(r io.Reader) ([]byte, models.AttachmentType, string, error) {
	head := make([]byte, headerSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return nil, "", "", ErrEmptyFile
		}
		return nil, "", "", err
	}
	head = head[:n]
	t, mime := Detect(head)
	return head, t, mime, nil
}

// New describes a stored file as an attachment.
func New(url string, size int64, mime string) models.Attachment {
	return models.Attachment{
		ID:       uuid.NewString(),
		Type:     TypeOf(mime),
		URL:      url,
		Size:     size,
		MimeType: mime,
	}
}

// TypeOf maps a MIME type to an attachment type.
func TypeOf(mime string) models.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.AttachmentTypeImage
	case strings.HasPrefix(mime, "video/"):
		return models.AttachmentTypeVideo
	default:
		return models.AttachmentTypeFile
	}
}

// MessageType picks the message type for a message: text when there is
// content or nothing attached, otherwise the type of the first attachment.
func MessageType(content string, attachments []models.Attachment) models.MessageType {
	if content != "" || len(attachments) == 0 {
		return models.MessageTypeText
	}
	switch TypeOf(attachments[0].MimeType) {
	case models.AttachmentTypeImage:
		return models.MessageTypeImage
	case models.AttachmentTypeVideo:
		return models.MessageTypeVideo
	default:
		return models.MessageTypeFile
	}
}
