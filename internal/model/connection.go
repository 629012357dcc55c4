package model

import (
	"strings"
	"time"
)

// Default ports: implicit TLS for both IMAP and SMTP submission.
const (
	DefaultIMAPPort = 993
	DefaultSMTPPort = 465
)

// ConnectionConfig holds the decrypted settings for one mailbox.
// It is only ever persisted in encrypted form.
type ConnectionConfig struct {
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// hostFamily maps mail domains to the hosts of their provider family.
type hostFamily struct {
	domains []string
	imap    string
	smtp    string
}

var hostFamilies = []hostFamily{
	{
		domains: []string{"gmail.com", "googlemail.com"},
		imap:    "imap.gmail.com",
		smtp:    "smtp.gmail.com",
	},
	{
		domains: []string{"outlook.com", "hotmail.com", "live.com", "msn.com"},
		imap:    "outlook.office365.com",
		smtp:    "smtp.office365.com",
	},
	{
		domains: []string{"yahoo.com", "ymail.com"},
		imap:    "imap.mail.yahoo.com",
		smtp:    "smtp.mail.yahoo.com",
	},
	{
		domains: []string{"icloud.com", "me.com", "mac.com"},
		imap:    "imap.mail.me.com",
		smtp:    "smtp.mail.me.com",
	},
}

// DefaultHosts returns the IMAP and SMTP hosts to use for an address when
// none are configured. Unknown domains fall back to imap.<domain> and
// smtp.<domain>.
func DefaultHosts(email string) (imapHost, smtpHost string) {
	domain := EmailDomain(email)
	if domain == "" {
		return "", ""
	}
	for _, fam := range hostFamilies {
		for _, d := range fam.domains {
			if d == domain {
				return fam.imap, fam.smtp
			}
		}
	}
	return "imap." + domain, "smtp." + domain
}

// Normalize trims the config, fills default hosts and ports, and checks
// the required fields. It returns a ConfigurationError on invalid input.
func (c ConnectionConfig) Normalize() (ConnectionConfig, error) {
	c.Email = strings.TrimSpace(c.Email)
	c.Password = strings.TrimSpace(c.Password)
	c.IMAPHost = strings.TrimSpace(c.IMAPHost)
	c.SMTPHost = strings.TrimSpace(c.SMTPHost)

	if c.Email == "" {
		return c, &ConfigurationError{Message: "email is required"}
	}
	if c.Password == "" {
		return c, &ConfigurationError{Message: "password is required"}
	}
	if EmailDomain(c.Email) == "" {
		return c, &ConfigurationError{Message: "email must include a domain"}
	}

	imapHost, smtpHost := DefaultHosts(c.Email)
	if c.IMAPHost == "" {
		c.IMAPHost = imapHost
	}
	if c.SMTPHost == "" {
		c.SMTPHost = smtpHost
	}
	if c.IMAPPort <= 0 {
		c.IMAPPort = DefaultIMAPPort
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = DefaultSMTPPort
	}
	if c.IMAPPort > 65535 || c.SMTPPort > 65535 {
		return c, &ConfigurationError{Message: "port out of range"}
	}

	return c, nil
}

// EmailDomain returns the lower-cased domain part of a bare address, or
// an empty string when there is none.
func EmailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// ConnectionStatus is the non-sensitive view of a stored connection.
type ConnectionStatus struct {
	Provider        string     `json:"provider"`
	Email           string     `json:"email"`
	IsActive        bool       `json:"is_active"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
