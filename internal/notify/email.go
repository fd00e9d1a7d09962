package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"

	"github.com/maltedev/catalog-monitor/internal/models"
)

type EmailConfig struct {
	SMTPServer     string
	SMTPPort       int
	SenderEmail    string
	SenderPassword string
	Recipients     []string
	SubjectPrefix  string
	ReportDir      string
}

// EmailNotifier sends a multipart plain text and HTML mail over SMTP.
// Port 465 uses implicit TLS, anything else plain SMTP with STARTTLS when
// offered.
type EmailNotifier struct {
	cfg    EmailConfig
	logger *slog.Logger
	now    func() time.Time
	send   func(*email.Email) error
}

func NewEmailNotifier(cfg EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger.With("component", "email"),
		now:    time.Now,
	}
	n.send = n.deliver
	return n
}

func (n *EmailNotifier) Notify(ctx context.Context, added []models.ProductRecord, matches []models.WatchMatch) error {
	if len(added) == 0 && len(matches) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := Compose(added, matches, ComposeOptions{
		SubjectPrefix: n.cfg.SubjectPrefix,
		ReportDir:     n.cfg.ReportDir,
		Now:           n.now(),
	})
	if err != nil {
		return err
	}

	mail := email.NewEmail()
	mail.From = n.cfg.SenderEmail
	mail.To = n.cfg.Recipients
	mail.Subject = msg.Subject
	mail.Text = []byte(msg.Text)
	mail.HTML = []byte(msg.HTML)

	if err := n.send(mail); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email sent", "new", len(added), "matches", len(matches), "recipients", len(n.cfg.Recipients))
	return nil
}

func (n *EmailNotifier) deliver(mail *email.Email) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPServer, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SenderPassword != "" {
		auth = smtp.PlainAuth("", n.cfg.SenderEmail, n.cfg.SenderPassword, n.cfg.SMTPServer)
	}

	if n.cfg.SMTPPort == 465 {
		return mail.SendWithTLS(addr, auth, &tls.Config{ServerName: n.cfg.SMTPServer})
	}

	err := mail.Send(addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	return err
}
