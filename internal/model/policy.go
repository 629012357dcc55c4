package model

// Settings keys read by the policy service.
const (
	SettingEmailEnabled     = "EMAIL_ENABLED"
	SettingEmailSendEnabled = "EMAIL_SEND_ENABLED"
	SettingAllowExternal    = "EMAIL_ALLOW_EXTERNAL"
	SettingAttachmentMaxMB  = "EMAIL_ATTACHMENT_MAX_MB"
)

// DefaultAttachmentMaxMB is the attachment limit when none is configured.
const DefaultAttachmentMaxMB = 25

const bytesPerMB = 1024 * 1024

// Policy is a snapshot of the organization email settings.
type Policy struct {
	EmailEnabled     bool    `json:"email_enabled"`
	EmailSendEnabled bool    `json:"email_send_enabled"`
	AllowExternal    bool    `json:"allow_external"`
	AttachmentMaxMB  float64 `json:"attachment_max_mb"`
}

// DefaultPolicy returns the policy used when no settings are present.
func DefaultPolicy() Policy {
	return Policy{
		EmailEnabled:     true,
		EmailSendEnabled: true,
		AllowExternal:    false,
		AttachmentMaxMB:  DefaultAttachmentMaxMB,
	}
}

// AttachmentMaxBytes converts the megabyte limit to bytes.
func (p Policy) AttachmentMaxBytes() int64 {
	return int64(p.AttachmentMaxMB * bytesPerMB)
}
