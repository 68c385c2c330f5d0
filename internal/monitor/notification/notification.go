package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	fsync "filesyncd/internal/sync"
)

const sendTimeout = 15 * time.Second

// Notifier defines the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, msg, msgType string) error
}

// Namer resolves a config id to a display name.
type Namer func(ctx context.Context, configID int64) string

// Service handles sending notifications to multiple services
type Service struct {
	notifiers []Notifier
	log       logrus.FieldLogger
	namer     Namer
}

// Options configures the built-in notifiers. Empty credentials leave a
// notifier out.
type Options struct {
	DiscordWebhook string
	TelegramToken  string
	TelegramChatID string
	Client         *http.Client
	Namer          Namer
	Logger         logrus.FieldLogger
}

// New creates a new notification service
func New(opts Options) *Service {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: sendTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Service{
		log:   opts.Logger.WithField("component", "notification"),
		namer: opts.Namer,
	}
	if opts.DiscordWebhook != "" {
		s.notifiers = append(s.notifiers, &Discord{WebhookURL: opts.DiscordWebhook, Client: opts.Client})
	}
	if opts.TelegramToken != "" && opts.TelegramChatID != "" {
		s.notifiers = append(s.notifiers, &Telegram{
			BotToken: opts.TelegramToken,
			ChatID:   opts.TelegramChatID,
			Client:   opts.Client,
		})
	}
	return s
}

// Add appends a notifier.
func (s *Service) Add(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Enabled reports whether any notifier is configured.
func (s *Service) Enabled() bool {
	return len(s.notifiers) > 0
}

// Send sends a notification to all configured services
func (s *Service) Send(msg, msgType string) {
	emoji := "🔵"
	switch msgType {
	case "ERROR", "CRITICAL":
		emoji = "🔴"
	case "SUCCESS":
		emoji = "🟢"
	}
	fullMsg := fmt.Sprintf("[filesyncd] %s %s", emoji, msg)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, notifier := range s.notifiers {
		if err := notifier.Send(ctx, fullMsg, msgType); err != nil {
			s.log.WithError(err).Warn("Notification failed")
		}
	}
}

// Watch sends a notification for every run that finishes failed or timed
// out, until events is closed or ctx ends.
func (s *Service) Watch(ctx context.Context, events <-chan fsync.Event) {
	bytesByRun := make(map[int64]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case fsync.EventFileSynced:
				if e.Action != string(fsync.OpDeleted) {
					bytesByRun[e.RunID] += e.Size
				}
			case fsync.EventRunFinished:
				sent := bytesByRun[e.RunID]
				delete(bytesByRun, e.RunID)
				if e.Status == fsync.RunFailed || e.Status == fsync.RunTimeout {
					s.Send(s.describe(ctx, e, sent), "ERROR")
				}
			}
		}
	}
}

func (s *Service) describe(ctx context.Context, e fsync.Event, sent int64) string {
	name := fmt.Sprintf("config %d", e.ConfigID)
	if s.namer != nil {
		if n := s.namer(ctx, e.ConfigID); n != "" {
			name = fmt.Sprintf("%q (config %d)", n, e.ConfigID)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sync of %s %s", name, e.Status)
	if e.Trigger != "" {
		fmt.Fprintf(&b, " (trigger: %s)", e.Trigger)
	}
	if e.Counts != nil {
		c := e.Counts
		fmt.Fprintf(&b, ": %d created, %d updated, %d deleted, %d errors", c.Created, c.Updated, c.Deleted, c.Errors)
	}
	if sent > 0 {
		fmt.Fprintf(&b, ", %s transferred", humanize.Bytes(uint64(sent)))
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ". %s", e.Error)
	}
	return b.String()
}

// Discord notifier
type Discord struct {
	WebhookURL string
	Client     *http.Client
}

func (d *Discord) Send(ctx context.Context, msg, _ string) error {
	body, err := json.Marshal(map[string]string{"content": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(d.Client, req, "discord")
}

// Telegram notifier
type Telegram struct {
	BotToken string
	ChatID   string
	// APIBase defaults to https://api.telegram.org.
	APIBase string
	Client  *http.Client
}

func (t *Telegram) Send(ctx context.Context, msg, _ string) error {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	form := url.Values{"chat_id": {t.ChatID}, "text": {msg}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(t.Client, req, "telegram")
}

func do(client *http.Client, req *http.Request, name string) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}
