package effects

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"

	"gopkg.in/gomail.v2"

	"github.com/liamcoop/loyaltyrules/rules"
)

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// EmailTemplate is a named subject and HTML body rendered with the action's variables.
type EmailTemplate struct {
	Subject string
	Body    string
}

// SMTPMailer sends email actions through SMTP. It implements rules.Mailer.
type SMTPMailer struct {
	from      string
	templates map[string]*template.Template
	subjects  map[string]string
	send      func(m ...*gomail.Message) error
}

// NewSMTPMailer creates a mailer that dials cfg for every message.
func NewSMTPMailer(cfg SMTPConfig, templates map[string]EmailTemplate) (*SMTPMailer, error) {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return newMailer(cfg.From, templates, d.DialAndSend)
}

// NewMailerWithSender creates a mailer that hands messages to sender.
func NewMailerWithSender(from string, templates map[string]EmailTemplate, sender gomail.Sender) (*SMTPMailer, error) {
	return newMailer(from, templates, func(m ...*gomail.Message) error {
		return gomail.Send(sender, m...)
	})
}

func newMailer(from string, templates map[string]EmailTemplate, send func(m ...*gomail.Message) error) (*SMTPMailer, error) {
	if from == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	m := &SMTPMailer{
		from:      from,
		templates: make(map[string]*template.Template),
		subjects:  make(map[string]string),
		send:      send,
	}
	for id, t := range templates {
		parsed, err := template.New(id).Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid email template %s: %w", id, err)
		}
		m.templates[id] = parsed
		m.subjects[id] = t.Subject
	}
	return m, nil
}

// SendEmail renders req's template and sends it.
func (m *SMTPMailer) SendEmail(ctx context.Context, req rules.EmailRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := m.render(req)
	if err != nil {
		return err
	}

	subject := req.Subject
	if subject == "" {
		subject = m.subjects[req.TemplateID]
	}
	if subject == "" {
		subject = req.TemplateID
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", req.Recipient)
	msg.SetHeader("Subject", subject)
	if req.Key != "" {
		msg.SetHeader("X-Idempotency-Key", req.Key)
	}
	msg.SetBody("text/html", body)

	if err := m.send(msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", req.Recipient, err)
	}
	return nil
}

// render falls back to a plain listing of the variables for unknown templates.
func (m *SMTPMailer) render(req rules.EmailRequest) (string, error) {
	t, ok := m.templates[req.TemplateID]
	if !ok {
		keys := make([]string, 0, len(req.Variables))
		for k := range req.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		for _, k := range keys {
			fmt.Fprintf(&buf, "<p>%s: %s</p>\n", template.HTMLEscapeString(k), template.HTMLEscapeString(fmt.Sprint(req.Variables[k])))
		}
		return buf.String(), nil
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, req.Variables); err != nil {
		return "", fmt.Errorf("failed to render email template %s: %w", req.TemplateID, err)
	}
	return buf.String(), nil
}
