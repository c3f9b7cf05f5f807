package compose

import (
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/mail"
	"os"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	gomail "gopkg.in/gomail.v2"
)

// Draft is the user-facing description of a message.
type Draft struct {
	From        string            `yaml:"from"`
	To          []string          `yaml:"to"`
	Cc          []string          `yaml:"cc"`
	Bcc         []string          `yaml:"bcc"`
	ReplyTo     string            `yaml:"replyTo"`
	Subject     string            `yaml:"subject"`
	Text        string            `yaml:"text"`
	HTML        string            `yaml:"html"`
	Attachments []string          `yaml:"attachments"`
	Data        map[string]string `yaml:"data"`
}

// CheckAndSetDefaults validates d and either returns a copy of d with default
// settings applied or returns an error due to an invalid draft.
func (d *Draft) CheckAndSetDefaults() (Draft, error) {
	if d.From == "" {
		return Draft{}, errors.New("must supply a \"from\" address")
	}
	if _, err := mail.ParseAddress(d.From); err != nil {
		return Draft{}, fmt.Errorf("can't parse the \"from\" address: %v", err)
	}
	if len(d.To)+len(d.Cc)+len(d.Bcc) == 0 {
		return Draft{}, errors.New("must supply at least one recipient")
	}
	for _, l := range [][]string{d.To, d.Cc, d.Bcc} {
		for _, a := range l {
			if _, err := mail.ParseAddress(a); err != nil {
				return Draft{}, fmt.Errorf("can't parse the recipient %q: %v", a, err)
			}
		}
	}
	if d.Text == "" && d.HTML == "" {
		return Draft{}, errors.New("must supply a text or an HTML body")
	}
	for _, p := range d.Attachments {
		if _, err := os.Stat(p); err != nil {
			return Draft{}, fmt.Errorf("can't read the attachment: %v", err)
		}
	}

	c := *d
	if c.Subject == "" {
		c.Subject = "(no subject)"
	}
	return c, nil
}

// Build renders d into a message. The text body comes first so clients that
// can't show HTML pick it.
func (d *Draft) Build() (*gomail.Message, error) {
	subject, err := renderText("subject", d.Subject, d.Data)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", d.From)
	setIfAny(m, "To", d.To)
	setIfAny(m, "Cc", d.Cc)
	setIfAny(m, "Bcc", d.Bcc)
	if d.ReplyTo != "" {
		m.SetHeader("Reply-To", d.ReplyTo)
	}
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID(d.From))
	m.SetDateHeader("Date", time.Now())

	var parts []string
	if d.Text != "" {
		t, err := renderText("text", d.Text, d.Data)
		if err != nil {
			return nil, err
		}
		m.SetBody("text/plain", t)
		parts = append(parts, "text/plain")
	}
	if d.HTML != "" {
		h, err := renderHTML(d.HTML, d.Data)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			m.SetBody("text/html", h)
		} else {
			m.AddAlternative("text/html", h)
		}
	}

	for _, a := range d.Attachments {
		m.Attach(a)
	}
	return m, nil
}

func setIfAny(m *gomail.Message, field string, v []string) {
	if len(v) > 0 {
		m.SetHeader(field, v...)
	}
}

// messageID returns a unique Message-ID in the domain of the sender.
func messageID(from string) string {
	domain := "localhost"
	if a, err := mail.ParseAddress(from); err == nil {
		if i := strings.LastIndex(a.Address, "@"); i >= 0 && i < len(a.Address)-1 {
			domain = a.Address[i+1:]
		}
	}
	return fmt.Sprintf("<%v@%v>", uuid.New().String(), domain)
}

func renderText(name, tmp string, data map[string]string) (string, error) {
	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(tmp)
	if err != nil {
		return "", fmt.Errorf("can't parse the %v template: %v", name, err)
	}
	var str strings.Builder
	if err := tmpl.Execute(&str, data); err != nil {
		return "", fmt.Errorf("can't render the %v template: %v", name, err)
	}
	return str.String(), nil
}

func renderHTML(tmp string, data map[string]string) (string, error) {
	tmpl, err := htmltemplate.New("html").Option("missingkey=error").Parse(tmp)
	if err != nil {
		return "", fmt.Errorf("can't parse the html template: %v", err)
	}
	var str strings.Builder
	if err := tmpl.Execute(&str, data); err != nil {
		return "", fmt.Errorf("can't render the html template: %v", err)
	}
	return str.String(), nil
}
