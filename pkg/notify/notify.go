// Package notify is the fire-and-forget completion notification sink.
package notify

import (
	"fmt"
	"net/smtp"

	"github.com/veriflow/logocheck/pkg/config"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/types"
)

// Mailer sends batch completion notices over SMTP. Delivery failures
// are logged and dropped; they never affect batch state.
type Mailer struct {
	cfg config.SMTPConfig
}

// NewMailer creates a mailer; returns nil if SMTP is not configured,
// which callers treat as "no notifications"
func NewMailer(cfg config.SMTPConfig) *Mailer {
	if !cfg.Enabled() {
		return nil
	}
	return &Mailer{cfg: cfg}
}

// BatchCompleted sends the completion notice asynchronously
func (m *Mailer) BatchCompleted(email string, batch *types.Batch) {
	go func() {
		if err := m.send(email, batch); err != nil {
			log.WithBatchID(batch.ID).Warn().Err(err).Msg("completion email failed")
		}
	}()
}

func (m *Mailer) send(email string, batch *types.Batch) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	body := fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: Batch %s complete\r\n\r\n"+
			"Your validation batch finished.\r\n\r\n"+
			"Processed: %d\r\nValid: %d\r\nInvalid: %d\r\nErrored: %d\r\n",
		email, m.cfg.From, batch.ID,
		batch.Counts.Processed, batch.Counts.Valid, batch.Counts.Invalid, batch.Counts.Errored,
	)

	return smtp.SendMail(addr, auth, m.cfg.From, []string{email}, []byte(body))
}
