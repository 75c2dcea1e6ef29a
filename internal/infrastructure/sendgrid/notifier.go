package sendgrid

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/notification"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/sendgrid/rest"
	sg "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const peerSendGrid = "sendgrid"

// Sender is satisfied by *sendgrid.Client.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

func NewSender(apiKey string) Sender {
	return sg.NewSendClient(apiKey)
}

type Config struct {
	FromEmail string
	FromName  string
}

type Notifier struct {
	sender Sender
	from   *mail.Email

	log          observability.Logger
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewNotifier(sender Sender, cfg Config, tel observability.Observability) *Notifier {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Notifier{
		sender:       sender,
		from:         mail.NewEmail(cfg.FromName, cfg.FromEmail),
		log:          tel.Logger().With(observability.F("component", "sendgrid_notifier")),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

// SendShipped mails the shipped notice. A notice without a recipient has
// nothing to deliver and succeeds.
func (n *Notifier) SendShipped(ctx context.Context, notice domain.ShippedNotice) error {
	logger := logctx.FromOr(ctx, n.log)
	if strings.TrimSpace(notice.Email) == "" {
		logger.Info("notification_skipped_no_recipient")
		return nil
	}
	if notice.Name == "" {
		notice.Name = "there"
	}

	var plain, html bytes.Buffer
	if err := plainShipped.Execute(&plain, notice); err != nil {
		return fmt.Errorf("sendgrid: render text: %w", err)
	}
	if err := htmlShipped.Execute(&html, notice); err != nil {
		return fmt.Errorf("sendgrid: render html: %w", err)
	}
	msg := mail.NewSingleEmail(n.from, subjectShipped, mail.NewEmail(notice.Name, notice.Email), plain.String(), html.String())

	start := time.Now()
	resp, err := n.sender.SendWithContext(ctx, msg)
	if err == nil && (resp == nil || resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		status, body := 0, ""
		if resp != nil {
			status, body = resp.StatusCode, resp.Body
		}
		err = fmt.Errorf("unexpected status %d: %s", status, body)
	}
	n.observe(start, err)
	if err != nil {
		return fmt.Errorf("sendgrid: send shipped notice: %w", err)
	}
	logger.Info("notification_sent", observability.F("tracking_code", notice.TrackingCode))
	return nil
}

func (n *Notifier) observe(start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	n.extCounter.Add(1,
		observability.L("peer", peerSendGrid),
		observability.L("endpoint", "mail_send"),
		observability.L("outcome", outcome),
	)
	n.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerSendGrid),
		observability.L("endpoint", "mail_send"),
	)
}
