package mail

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Kind identifies a message template.
type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
)

var ErrSend = errors.New("mail: delivery failed")

// Message is one outgoing email before rendering.
type Message struct {
	Kind  Kind
	To    string
	Name  string
	Token string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Links builds the frontend URLs embedded in emails.
type Links struct {
	BaseURL string
}

// For returns the link for msg, carrying the raw token as a query parameter.
func (l Links) For(msg Message) string {
	path := "/verify-email"
	if msg.Kind == KindPasswordReset {
		path = "/reset-password"
	}
	return strings.TrimRight(l.BaseURL, "/") + path + "?token=" + url.QueryEscape(msg.Token)
}

type rendered struct {
	Subject string
	HTML    string
}

var (
	subjects = map[Kind]string{
		KindVerification:  "Verify your email address",
		KindPasswordReset: "Reset your password",
	}

	bodies = template.Must(template.New("mail").Parse(`
{{define "verification"}}<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2>Verify your email address</h2>
<p>Hi {{.Name}}, please confirm your email address to finish creating your account.</p>
<p><a href="{{.Link}}">Verify email</a></p>
<p style="font-size: 12px; color: #6b7280;">{{.Link}}</p>
<p><strong>This link expires in 24 hours.</strong></p>
<p>If you did not create an account, you can ignore this email.</p>
</body></html>{{end}}
{{define "password_reset"}}<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2>Reset your password</h2>
<p>Hi {{.Name}}, we received a request to reset your password.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p style="font-size: 12px; color: #6b7280;">{{.Link}}</p>
<p><strong>This link expires in 1 hour.</strong> Resetting your password signs you out on every device.</p>
<p>If you did not ask for this, you can ignore this email.</p>
</body></html>{{end}}
`))
)

func render(links Links, msg Message) (rendered, error) {
	subject, ok := subjects[msg.Kind]
	if !ok {
		return rendered{}, errors.New("mail: unknown message kind " + string(msg.Kind))
	}
	name := msg.Name
	if name == "" {
		name = "there"
	}
	var buf bytes.Buffer
	err := bodies.ExecuteTemplate(&buf, string(msg.Kind), struct {
		Name string
		Link string
	}{Name: name, Link: links.For(msg)})
	if err != nil {
		return rendered{}, err
	}
	return rendered{Subject: subject, HTML: buf.String()}, nil
}

// LogSender writes messages to the log instead of delivering them. It is the
// development default when no mail provider is configured.
type LogSender struct {
	Links Links
	Log   *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	out, err := render(s.Links, msg)
	if err != nil {
		return err
	}
	log.Info("email not sent (log sender)",
		zap.String("to", msg.To),
		zap.String("subject", out.Subject),
		zap.String("link", s.Links.For(msg)),
	)
	return nil
}
