// Package discord implements the crux chat channel using discordgo.
//
// Each coached user gets a private thread under the channel where they ran
// the start command; the bot only converses inside that thread.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/crux/pkg/crux/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID restricts the bot to one server. Empty means any guild.
	GuildID string `yaml:"guild_id"`

	// AllowedChannels restricts which parent channels accept commands.
	// Threads are always accepted. Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// ThreadAutoArchive is the private thread auto-archive period in minutes.
	ThreadAutoArchive int `yaml:"thread_auto_archive"`

	// MaxAttachmentBytes caps attachment downloads.
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ThreadAutoArchive:  10080,
		MaxAttachmentBytes: 25 << 20,
	}
}

// Discord implements channels.Chat.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the channel for incoming messages forwarded to the bot.
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// httpClient is used for downloading attachments.
	httpClient *http.Client
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ThreadAutoArchive == 0 {
		cfg.ThreadAutoArchive = DefaultConfig().ThreadAutoArchive
	}
	if cfg.MaxAttachmentBytes == 0 {
		cfg.MaxAttachmentBytes = DefaultConfig().MaxAttachmentBytes
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message, split to the 2000 character limit.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	for i, chunk := range channels.SplitMessage(message.Content, channels.MaxMessageLength) {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, msgSend, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// SendMedia uploads a file to the channel.
func (d *Discord) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	if len(media.Data) == 0 {
		return fmt.Errorf("discord: no media data")
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	msgSend := &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{
			{Name: filename, ContentType: media.MimeType, Reader: bytes.NewReader(media.Data)},
		},
	}
	if _, err := d.session.ChannelMessageSendComplex(to, msgSend, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: upload: %w", err)
	}
	return nil
}

// DownloadMedia downloads the attachment of an incoming message.
func (d *Discord) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}
	if d.cfg.MaxAttachmentBytes > 0 && int64(msg.Media.FileSize) > d.cfg.MaxAttachmentBytes {
		return nil, "", channels.ErrMediaTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Media.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}
	if int64(len(data)) > d.cfg.MaxAttachmentBytes {
		return nil, "", channels.ErrMediaTooLarge
	}

	mime := msg.Media.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return data, mime, nil
}

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(to, discordgo.WithContext(ctx))
}

// EnsureThread creates a private thread and adds userID to it.
func (d *Discord) EnsureThread(ctx context.Context, parentID, userID, name string) (string, error) {
	if d.session == nil {
		return "", channels.ErrChannelDisconnected
	}
	thread, err := d.session.ThreadStartComplex(parentID, &discordgo.ThreadStart{
		Name:                threadName(name),
		AutoArchiveDuration: d.cfg.ThreadAutoArchive,
		Type:                discordgo.ChannelTypeGuildPrivateThread,
		Invitable:           false,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: create thread: %w", err)
	}

	if err := d.session.ThreadMemberAdd(thread.ID, userID, discordgo.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("discord: add thread member: %w", err)
	}
	d.logger.Info("discord: private thread created", "thread", thread.ID, "user", userID)
	return thread.ID, nil
}

// ThreadExists reports whether threadID still resolves to a thread.
func (d *Discord) ThreadExists(ctx context.Context, threadID string) bool {
	if d.session == nil || threadID == "" {
		return false
	}
	ch, err := d.session.Channel(threadID, discordgo.WithContext(ctx))
	if err != nil {
		return false
	}
	return ch.IsThread()
}

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if d.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != d.cfg.GuildID {
		return
	}
	if !d.accepts(s, m.ChannelID) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  displayName(m),
		ChatID:    m.ChannelID,
		GuildID:   m.GuildID,
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Member != nil {
		incoming.Roles = m.Member.Roles
	}

	if att := pickAttachment(m.Attachments); att != nil {
		mediaType := inferMediaType(att.ContentType)
		incoming.Type = mediaType
		incoming.Media = &channels.MediaInfo{
			Type:     mediaType,
			URL:      att.URL,
			MimeType: att.ContentType,
			FileSize: uint64(att.Size),
			Filename: att.Filename,
		}
	}

	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// AllowedParent reports whether commands may be issued from channelID.
func (d *Discord) AllowedParent(channelID string) bool {
	if len(d.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// accepts reports whether a message in channelID reaches the bot. Threads
// always do; other channels must pass AllowedParent.
func (d *Discord) accepts(s *discordgo.Session, channelID string) bool {
	if d.AllowedParent(channelID) {
		return true
	}
	ch, err := s.State.Channel(channelID)
	if err != nil {
		if ch, err = s.Channel(channelID); err != nil {
			d.logger.Debug("discord: channel lookup failed", "channel", channelID, "error", err)
			return false
		}
	}
	return ch.IsThread()
}

// threadName clips name to Discord's 100 character limit without splitting
// a multi-byte character.
func threadName(name string) string {
	const max = 100
	if utf8.RuneCountInString(name) <= max {
		return name
	}
	return string([]rune(name)[:max])
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// pickAttachment prefers an audio attachment, otherwise the first one.
func pickAttachment(atts []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	if len(atts) == 0 {
		return nil
	}
	for _, a := range atts {
		if inferMediaType(a.ContentType) == channels.MessageAudio {
			return a
		}
	}
	return atts[0]
}

// inferMediaType maps MIME types to message types.
func inferMediaType(contentType string) channels.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageDocument
	}
}

var _ channels.Chat = (*Discord)(nil)
