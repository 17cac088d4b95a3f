package email

import (
	"net/smtp"
	"strings"
	"testing"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newCapturingService(cfg Config) (*Service, *captured) {
	svc := NewService(cfg)
	c := &captured{}
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)
		return nil
	}
	return svc, c
}

var configured = Config{Host: "smtp.example.com", Port: "587", From: "forge@example.com", FromName: "RealmForge"}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: configured, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestUnconfiguredServiceRefusesToSend(t *testing.T) {
	svc, c := newCapturingService(Config{})
	if err := svc.SendVerificationEmail("a@example.com", "Avery", "http://x"); err != ErrNotConfigured {
		t.Fatalf("SendVerificationEmail() error = %v, want ErrNotConfigured", err)
	}
	if c.msg != "" {
		t.Fatal("nothing should have been sent")
	}
}

func TestSendVerificationEmail(t *testing.T) {
	svc, c := newCapturingService(configured)
	url := "https://realm-forge.test/verify?token=abc"
	if err := svc.SendVerificationEmail("avery@example.com", "Avery", url); err != nil {
		t.Fatalf("SendVerificationEmail() error = %v", err)
	}
	if c.addr != "smtp.example.com:587" || c.from != "forge@example.com" {
		t.Errorf("unexpected envelope: %+v", c)
	}
	for _, want := range []string{
		"To: avery@example.com\r\n",
		"From: RealmForge <forge@example.com>\r\n",
		"Subject: Verify your RealmForge account\r\n",
		"multipart/alternative",
		"Hi Avery,",
		`href="https://realm-forge.test/verify?token=abc"`,
		"24 hours",
	} {
		if !strings.Contains(c.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendPasswordResetEmail(t *testing.T) {
	svc, c := newCapturingService(configured)
	if err := svc.SendPasswordResetEmail("avery@example.com", "", "https://x/reset?token=1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.msg, "Hi there,") || !strings.Contains(c.msg, "1 hour") {
		t.Errorf("reset email missing fallback greeting or expiry:\n%s", c.msg)
	}
}

func TestSendInvitationEmail(t *testing.T) {
	svc, c := newCapturingService(configured)
	if err := svc.SendInvitationEmail("blair@example.com", "Avery", "Ashen Studio", "editor", "https://x/invite/tok"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Subject: You're invited to Ashen Studio on RealmForge",
		"Avery invited you to collaborate on Ashen Studio as an editor.",
		"https://x/invite/tok",
	} {
		if !strings.Contains(c.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}
