// Package channels defines the chat-platform abstraction crux talks through.
// Discord is the production channel; the console channel drives the same
// engine from a terminal.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel is the minimum every chat platform implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a text message, chunking it to the platform limit.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with file upload and attachment download.
type MediaChannel interface {
	Channel

	// SendMedia uploads a file with an optional caption.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// DownloadMedia fetches the attachment of an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// ThreadChannel extends Channel with per-user private threads.
type ThreadChannel interface {
	Channel

	// EnsureThread creates a private thread under parentID that userID can
	// see and returns its id.
	EnsureThread(ctx context.Context, parentID, userID, name string) (string, error)

	// ThreadExists reports whether threadID still resolves to a thread.
	ThreadExists(ctx context.Context, threadID string) bool
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
}

// Chat is everything the bot needs from a platform.
type Chat interface {
	MediaChannel
	ThreadChannel
	PresenceChannel
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the channel or thread the message was posted in.
	ChatID string

	// GuildID is the server the message came from (empty for DMs).
	GuildID string

	// Roles are the sender's role ids in the guild.
	Roles []string

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains attachment details (if any).
	Media *MediaInfo
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// Text builds an OutgoingMessage with just content.
func Text(content string) *OutgoingMessage {
	return &OutgoingMessage{Content: content}
}

// MediaMessage represents a file to be sent.
type MediaMessage struct {
	// Type is the media type.
	Type MessageType

	// Data is the raw media bytes.
	Data []byte

	// MimeType is the MIME type (e.g. "image/png").
	MimeType string

	// Filename is the name shown on the upload.
	Filename string

	// Caption is the text accompanying the media.
	Caption string
}

// MediaInfo describes an attachment on an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64

	// URL is a direct download URL, or a local path for the console channel.
	URL string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrMediaDownloadFailed = errors.New("failed to download media")
	ErrMediaTooLarge       = errors.New("media exceeds size limit")
)
