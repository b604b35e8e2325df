package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mrz1836/postmark"
)

// Config holds Postmark notifier configuration. Tokens are optional so
// development environments can run with the dev notifier instead.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"NOTIFY_SENDER_EMAIL"`
	SupportEmail         string `env:"NOTIFY_SUPPORT_EMAIL"`
}

type postmarkNotifier struct {
	client *postmark.Client
	config Config
}

// NewPostmarkNotifier creates a Postmark-backed notifier.
func NewPostmarkNotifier(cfg Config) (Notifier, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidConfig)
	}

	return &postmarkNotifier{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		config: cfg,
	}, nil
}

func (n *postmarkNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.config.SenderEmail,
		ReplyTo:    n.config.SupportEmail,
		To:         msg.Recipient,
		Subject:    subjectFor(msg),
		Tag:        string(msg.Kind),
		HTMLBody:   renderBody(msg),
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend,
			fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func subjectFor(msg Message) string {
	if msg.Subject != "" {
		return msg.Subject
	}
	switch msg.Kind {
	case KindPaymentFailed:
		return "We couldn't process your payment"
	case KindFinalWarning:
		return "Action needed: your subscription is about to be downgraded"
	case KindDowngradeNotice:
		return "Your account has been moved to the free plan"
	case KindRenewalReminder:
		return "Your subscription renews soon"
	case KindCancelConfirmed:
		return "Your subscription has been canceled"
	case KindSubscriptionRestored:
		return "Your subscription is active again"
	default:
		return "Account update"
	}
}

// renderBody produces a minimal HTML body from the message data. Rich
// templates live in the email provider; this is the plain fallback layout.
func renderBody(msg Message) string {
	var b strings.Builder
	b.WriteString("<html><body><p>")
	b.WriteString(subjectFor(msg))
	b.WriteString("</p>")
	if len(msg.Data) > 0 {
		keys := make([]string, 0, len(msg.Data))
		for k := range msg.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("<ul>")
		for _, k := range keys {
			fmt.Fprintf(&b, "<li>%s: %s</li>", k, msg.Data[k])
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
