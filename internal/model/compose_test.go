package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentSize(t *testing.T) {
	tests := []struct {
		name string
		att  Attachment
		want int64
	}{
		{"base64", Attachment{Content: "aGVsbG8=", Encoding: "base64"}, 5},
		{"base64 unpadded", Attachment{Content: "aGVsbG8", Encoding: "BASE64"}, 5},
		{"base64 wrapped", Attachment{Content: "aGVs\r\nbG8=", Encoding: "base64"}, 5},
		{"base64url", Attachment{Content: "_-8", Encoding: "base64url"}, 2},
		{"hex", Attachment{Content: "deadbeef", Encoding: "hex"}, 4},
		{"binary", Attachment{Content: "hello", Encoding: "binary"}, 5},
		{"7bit", Attachment{Content: "hello", Encoding: "7bit"}, 5},
		{"empty encoding", Attachment{Content: "héllo"}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := tt.att.Size()
			require.NoError(t, err)
			assert.Equal(t, tt.want, size)
		})
	}
}

func TestAttachmentDecodeErrors(t *testing.T) {
	_, err := Attachment{Filename: "a.bin", Content: "zz", Encoding: "hex"}.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.bin")

	assert.True(t, IsProtocolError(err))

	_, err = Attachment{Filename: "b.bin", Content: "***", Encoding: "base64"}.Decode()
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))

	_, err = Attachment{Filename: "c.bin", Content: "!!!!", Encoding: "base64"}.Size()
	assert.True(t, IsProtocolError(err))
}

func TestTotalAttachmentSize(t *testing.T) {
	total, err := TotalAttachmentSize([]Attachment{
		{Content: "aGVsbG8=", Encoding: "base64"},
		{Content: "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)

	_, err = TotalAttachmentSize([]Attachment{
		{Content: "abc"},
		{Filename: "bad.bin", Content: "!!!not base64!!!", Encoding: "base64"},
	})
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "bad.bin")
}

func TestPayloadValidate(t *testing.T) {
	valid := ComposePayload{
		To:          []string{"Bob <bob@x.com>"},
		Bcc:         []string{"audit@x.com"},
		Attachments: []Attachment{{Filename: "a.txt", Content: "aGk=", Encoding: "base64"}},
	}
	require.NoError(t, valid.Validate())

	badAddress := valid
	badAddress.Cc = []string{"not an address"}
	err := badAddress.Validate()
	var violation *PolicyViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, RuleInvalidRecipient, violation.Rule)

	badAttachment := valid
	badAttachment.Attachments = []Attachment{{Filename: "a.bin", Content: "!!!not base64!!!", Encoding: "base64"}}
	assert.True(t, IsProtocolError(badAttachment.Validate()))
}

func TestPayloadNormalize(t *testing.T) {
	p := ComposePayload{
		To:  []string{" a@x.com ", "", "  "},
		Cc:  []string{""},
		Bcc: []string{"b@x.com"},
	}.Normalize()

	assert.Equal(t, []string{"a@x.com"}, p.To)
	assert.Nil(t, p.Cc)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, p.Recipients())
}

func TestConnectionConfigNormalize(t *testing.T) {
	cfg, err := ConnectionConfig{Email: " me@gmail.com ", Password: " pw "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "me@gmail.com", cfg.Email)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, "imap.gmail.com", cfg.IMAPHost)
	assert.Equal(t, "smtp.gmail.com", cfg.SMTPHost)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, 465, cfg.SMTPPort)

	cfg, err = ConnectionConfig{Email: "me@corp.example", Password: "pw", IMAPPort: 143}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "imap.corp.example", cfg.IMAPHost)
	assert.Equal(t, "smtp.corp.example", cfg.SMTPHost)
	assert.Equal(t, 143, cfg.IMAPPort)

	for _, bad := range []ConnectionConfig{
		{Email: "  ", Password: "pw"},
		{Email: "me@x.com", Password: "   "},
		{Email: "nodomain", Password: "pw"},
		{Email: "me@x.com", Password: "pw", SMTPPort: 70000},
	} {
		_, err := bad.Normalize()
		assert.True(t, IsConfigurationError(err), "%+v", bad)
	}
}

func TestDraftErrorMatching(t *testing.T) {
	err := error(&DraftError{Reason: DraftExpired, DraftID: "d1"})
	assert.True(t, IsDraftError(err, DraftExpired))
	assert.True(t, IsDraftError(err, ""))
	assert.False(t, IsDraftError(err, DraftNotFound))
	assert.Contains(t, err.Error(), "d1")
}
