package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	slackTimeout = 10 * time.Second

	// slackContentRunes is how much of the question body the
	// notification quotes.
	slackContentRunes = 200
)

// SlackNotifier posts a message to a Slack incoming webhook for every
// new question.
type SlackNotifier struct {
	webhookURL string
	forumURL   string
	client     *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier creates a notifier. forumURL is the base of the
// "View Question" link. A nil client uses a client with a timeout.
func NewSlackNotifier(webhookURL, forumURL string, client *http.Client, logger *slog.Logger) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: slackTimeout}
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		forumURL:   strings.TrimRight(forumURL, "/"),
		client:     client,
		logger:     logger.With(slog.String("component", "slack")),
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackElement struct {
	Type  string    `json:"type"`
	Text  slackText `json:"text"`
	URL   string    `json:"url"`
	Style string    `json:"style,omitempty"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Fields   []slackText    `json:"fields,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// newQuestionMessage builds the Slack message for a new_question
// payload.
func (n *SlackNotifier) newQuestionMessage(payload []byte) slackMessage {
	q := gjson.ParseBytes(payload)

	title := q.Get("title").String()

	author := q.Get("author.name").String()
	if author == "" {
		author = "Anonymous"
	}

	content := q.Get("content").String()
	if r := []rune(content); len(r) > slackContentRunes {
		content = string(r[:slackContentRunes]) + "..."
	}

	return slackMessage{
		Text: "New Question Posted: " + title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "New Forum Question"}},
			{Type: "section", Fields: []slackText{
				{Type: "mrkdwn", Text: "*Title:*\n" + title},
				{Type: "mrkdwn", Text: "*Posted by:*\n" + author},
			}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Content:*\n" + content}},
			{Type: "actions", Elements: []slackElement{{
				Type:  "button",
				Text:  slackText{Type: "plain_text", Text: "View Question"},
				URL:   n.forumURL + "/p/" + q.Get("id").String(),
				Style: "primary",
			}}},
		},
	}
}

// NotifyNewQuestion posts the notification for a new_question payload.
func (n *SlackNotifier) NotifyNewQuestion(ctx context.Context, payload []byte) error {
	body, err := json.Marshal(n.newQuestionMessage(payload))
	if err != nil {
		return fmt.Errorf("marshalling slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating slack request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return nil
}
