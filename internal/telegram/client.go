// Package telegram sends run summaries via the Telegram Bot API.
// Messages are formatted as MarkdownV2 and delivered with linear-backoff
// retries.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/busrisk/internal/models"
)

// sender is the subset of the bot API the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	topFeatures    int
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, topFeatures int) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase, topFeatures)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration, topFeatures int) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if topFeatures <= 0 {
		topFeatures = 5
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		topFeatures:    topFeatures,
	}, nil
}

// SendRunSummary sends the outcome of a run with its top risk factors
func (c *Client) SendRunSummary(run *models.RunSummary, importances []models.FeatureImportance) error {
	return c.send(c.formatRunSummary(run, importances))
}

// SendError sends a failed-run notification
func (c *Client) SendError(err error) error {
	message := fmt.Sprintf("❌ *Bus risk run failed*\n\n%s", escapeMarkdownV2(err.Error()))
	return c.send(message)
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	// Send with retry
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatRunSummary formats a run into a Telegram message
func (c *Client) formatRunSummary(run *models.RunSummary, importances []models.FeatureImportance) string {
	var b strings.Builder

	b.WriteString("🚌 *Bus Incident Risk Analysis*\n\n")
	fmt.Fprintf(&b, "📦 Source: `%s`\n", escapeCode(run.Bucket+"/"+run.Key))
	fmt.Fprintf(&b, "📅 Finished: %s \\(took %s\\)\n\n",
		escapeMarkdownV2(run.FinishedAt.UTC().Format("2006-01-02 15:04:05")),
		escapeMarkdownV2(formatDuration(run.Duration())))

	fmt.Fprintf(&b, "Records: *%d*\n", run.Records)
	fmt.Fprintf(&b, "High risk: *%d* \\(%s\\)\n", run.HighRisk,
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", run.HighRiskRate()*100)))

	if !run.Trained {
		b.WriteString("\n⚠️ No records, training skipped\n")
		return b.String()
	}

	if e := run.Evaluation; e != nil {
		fmt.Fprintf(&b, "\n📊 Out\\-of\\-bag: accuracy %s, precision %s, recall %s, F1 %s\n",
			escapeMarkdownV2(fmt.Sprintf("%.3f", e.Accuracy)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", e.Precision)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", e.Recall)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", e.F1)))
	}

	if len(importances) > 0 {
		b.WriteString("\n🎯 *Top risk factors*\n")
		for i, fi := range importances {
			if i >= c.topFeatures {
				break
			}
			fmt.Fprintf(&b, "%d\\. %s \\- %s\n", fi.Rank,
				escapeMarkdownV2(fi.Feature),
				escapeMarkdownV2(fmt.Sprintf("%.1f%%", fi.Importance*100)))
		}
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! and the backslash itself
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text inside a MarkdownV2 code span
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
