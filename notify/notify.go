package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/retry"
)

var (
	ErrMissingToken   = errors.New("slack token is empty")
	ErrMissingChannel = errors.New("slack channel is empty")
)

type Options struct {
	Token string
	// Channel is used when Send is called without one.
	Channel string
	// APIURL overrides the Slack Web API base URL; it must end with "/".
	APIURL string
	// RatePerSecond limits postMessage attempts. Zero disables the limiter.
	RatePerSecond float64
}

// Notifier posts expense notifications to Slack.
type Notifier struct {
	client  *slack.Client
	channel string
	limiter *rate.Limiter
	exec    *retry.Executor
	logger  *slog.Logger
}

func New(opts Options, exec *retry.Executor, logger *slog.Logger) (*Notifier, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingToken
	}

	var slackOpts []slack.Option
	if opts.APIURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(opts.APIURL))
	}

	n := &Notifier{
		client:  slack.New(opts.Token, slackOpts...),
		channel: opts.Channel,
		exec:    exec,
		logger:  logger,
	}
	if n.exec == nil {
		n.exec = retry.New(retry.DefaultPolicy(), retry.WithLogger(logger))
	}
	if opts.RatePerSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return n, nil
}

// Send posts text with the attachment to channel, or to the default channel
// when channel is empty. 429 and 5xx responses are retried.
func (n *Notifier) Send(ctx context.Context, channel, text string, attachment model.Attachment) error {
	if channel == "" {
		channel = n.channel
	}
	if channel == "" {
		return ErrMissingChannel
	}

	att := ToSlackAttachment(attachment)
	return n.exec.Do(ctx, "slack post", func(ctx context.Context) error {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		_, ts, err := n.client.PostMessageContext(ctx, channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionAttachments(att),
		)
		if err != nil {
			return translate(err)
		}
		if n.logger != nil {
			n.logger.Debug("slack message posted", "channel", channel, "ts", ts)
		}
		return nil
	})
}

func ToSlackAttachment(a model.Attachment) slack.Attachment {
	actions := make([]slack.AttachmentAction, 0, len(a.Actions))
	for _, act := range a.Actions {
		actions = append(actions, slack.AttachmentAction{
			Name:  act.Name,
			Text:  act.Text,
			Style: act.Style,
			Type:  slack.ActionType("button"),
			Value: act.Value,
		})
	}
	return slack.Attachment{
		Fallback:   a.Fallback,
		CallbackID: a.CallbackID,
		Actions:    actions,
	}
}

// translate maps Slack transport errors onto HTTP status codes for the
// retry executor.
func translate(err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return &retry.StatusError{Code: http.StatusTooManyRequests, Err: err}
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return &retry.StatusError{Code: status.Code, Err: err}
	}
	return fmt.Errorf("slack: %w", err)
}
