// Package console is a local chat channel: lines typed in the terminal are
// delivered to the bot as messages from a single user and replies are
// rendered as markdown. "/audio <file>" sends a local file as a voice note.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/jholhewres/crux/pkg/crux/channels"
)

// ThreadID is the only thread the console knows.
const ThreadID = "console"

// Config holds console channel configuration.
type Config struct {
	// UserID identifies the local user (random when empty).
	UserID string

	// UserName is the display name used for the board and thread.
	UserName string

	// HistoryFile keeps readline history between runs.
	HistoryFile string

	// MediaDir receives generated images (default: os.TempDir()).
	MediaDir string

	// Plain disables markdown rendering.
	Plain bool
}

// Console implements channels.Chat over stdin/stdout.
type Console struct {
	cfg      Config
	logger   *slog.Logger
	rl       *readline.Instance
	renderer *glamour.TermRenderer
	out      io.Writer

	messages  chan *channels.IncomingMessage
	done      chan struct{}
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	writeMu   sync.Mutex
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "local-" + uuid.NewString()[:8]
	}
	if cfg.UserName == "" {
		cfg.UserName = "You"
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = os.TempDir()
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		out:      os.Stdout,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// UserID returns the local user's id.
func (c *Console) UserID() string { return c.cfg.UserID }

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts reading lines from the terminal.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m›\033[0m ",
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("console: init readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()

	if !c.cfg.Plain {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			c.logger.Warn("markdown renderer unavailable, using plain output", "error", err)
		} else {
			c.renderer = renderer
		}
	}

	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)
	defer c.connected.Store(false)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("console: read failed", "error", err)
			return
		}
		msg, quit := c.parseLine(line)
		if quit {
			return
		}
		if msg == nil {
			continue
		}
		c.lastMsg.Store(time.Now())
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// parseLine turns a typed line into a message. quit is true for /quit.
func (c *Console) parseLine(line string) (msg *channels.IncomingMessage, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if line == "/quit" || line == "/exit" {
		return nil, true
	}

	msg = &channels.IncomingMessage{
		ID:        uuid.NewString(),
		Channel:   "console",
		From:      c.cfg.UserID,
		FromName:  c.cfg.UserName,
		ChatID:    ThreadID,
		Type:      channels.MessageText,
		Content:   line,
		Timestamp: time.Now(),
	}

	if path, ok := strings.CutPrefix(line, "/audio "); ok {
		path = strings.TrimSpace(path)
		mt := audioMimeType(path)
		msg.Type = channels.MessageAudio
		msg.Content = ""
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: mt,
			Filename: filepath.Base(path),
			URL:      path,
		}
	}
	return msg, false
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

func audioMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := audioTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "audio/ogg"
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Send renders the message as markdown.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	text := message.Content
	if c.renderer != nil {
		if rendered, err := c.renderer.Render(text); err == nil {
			text = rendered
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := fmt.Fprintln(c.out, strings.TrimRight(text, "\n"))
	return err
}

// Done is closed once the user quits or input ends.
func (c *Console) Done() <-chan struct{} { return c.done }

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the terminal is still being read.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

// SendMedia writes the file into MediaDir and prints its path.
func (c *Console) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	name := media.Filename
	if name == "" {
		name = "media"
	}
	path := filepath.Join(c.cfg.MediaDir, uuid.NewString()[:8]+"-"+filepath.Base(name))
	if err := os.WriteFile(path, media.Data, 0o600); err != nil {
		return fmt.Errorf("console: save media: %w", err)
	}
	note := fmt.Sprintf("📎 saved to %s", path)
	if media.Caption != "" {
		note = media.Caption + "\n" + note
	}
	return c.Send(ctx, to, channels.Text(note))
}

// DownloadMedia reads the local file referenced by the message.
func (c *Console) DownloadMedia(_ context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}
	data, err := os.ReadFile(msg.Media.URL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	return data, msg.Media.MimeType, nil
}

// SendTyping is a no-op in the terminal.
func (c *Console) SendTyping(context.Context, string) error { return nil }

// EnsureThread returns the single console thread.
func (c *Console) EnsureThread(context.Context, string, string, string) (string, error) {
	return ThreadID, nil
}

// ThreadExists reports whether threadID is the console thread.
func (c *Console) ThreadExists(_ context.Context, threadID string) bool {
	return threadID == ThreadID
}

var _ channels.Chat = (*Console)(nil)
