// Package email sends account and workspace emails over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "RealmForge"

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, plainBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	return s.send(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, plainBody, htmlBody))
}

func (s *Service) buildMessage(to []string, subject, plainBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "realmforge-alt"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", plainBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type actionData struct {
	AppName   string
	Heading   string
	Greeting  string
	Intro     string
	Button    string
	URL       string
	ExpiresIn string
	Footer    string
}

func (s *Service) sendAction(to, subject string, data actionData) error {
	data.AppName = appName
	var buf bytes.Buffer
	if err := actionTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %q email: %w", subject, err)
	}
	plain := fmt.Sprintf("%s\n\n%s\n\n%s: %s\n\nThis link expires in %s.\n", data.Greeting, data.Intro, data.Button, data.URL, data.ExpiresIn)
	return s.SendHTMLEmail([]string{to}, subject, plain, buf.String())
}

// SendVerificationEmail sends the sign-up confirmation link.
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	return s.sendAction(to, "Verify your RealmForge account", actionData{
		Heading:   "Welcome to the forge",
		Greeting:  "Hi " + nameOrThere(userName) + ",",
		Intro:     "Thanks for signing up. Confirm your email address to start building worlds.",
		Button:    "Verify Email Address",
		URL:       verificationURL,
		ExpiresIn: "24 hours",
		Footer:    "If you didn't create a RealmForge account, you can safely ignore this email.",
	})
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	return s.sendAction(to, "Reset your RealmForge password", actionData{
		Heading:   "Password reset request",
		Greeting:  "Hi " + nameOrThere(userName) + ",",
		Intro:     "We received a request to reset your password. Use the link below to choose a new one.",
		Button:    "Reset Password",
		URL:       resetURL,
		ExpiresIn: "1 hour",
		Footer:    "If you didn't request a reset, your password stays unchanged.",
	})
}

// SendInvitationEmail invites someone to join a workspace.
func (s *Service) SendInvitationEmail(to, inviterName, workspaceName, role, acceptURL string) error {
	return s.sendAction(to, fmt.Sprintf("You're invited to %s on RealmForge", workspaceName), actionData{
		Heading:   "Join " + workspaceName,
		Greeting:  "Hi there,",
		Intro:     fmt.Sprintf("%s invited you to collaborate on %s as %s.", nameOrThere(inviterName), workspaceName, articleRole(role)),
		Button:    "Accept Invitation",
		URL:       acceptURL,
		ExpiresIn: "7 days",
		Footer:    "If you weren't expecting this invitation, you can ignore this email.",
	})
}

func nameOrThere(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

func articleRole(role string) string {
	if role == "" {
		role = "member"
	}
	if strings.ContainsAny(role[:1], "aeiou") {
		return "an " + role
	}
	return "a " + role
}

var actionTemplate = template.Must(template.New("action").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Heading}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #1f2937; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7c3aed; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #7c3aed; color: white; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #6b7280; }
        .link { word-break: break-all; color: #7c3aed; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>{{.Heading}}</h2>
    <p>{{.Greeting}}</p>
    <p>{{.Intro}}</p>
    <p><a href="{{.URL}}" class="button">{{.Button}}</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.URL}}</p>
    <p>This link expires in {{.ExpiresIn}}.</p>
    <div class="footer"><p>{{.Footer}}</p></div>
</body>
</html>`))
