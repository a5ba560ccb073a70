package email

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
)

type fakeSender struct {
	sent []*Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	if f.err != nil {
		return f.err
	}
	if _, err := msg.Bytes(); err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeFiles map[string][]byte

func (f fakeFiles) ReadAll(_ context.Context, ref domain.FileRef, _ int64) ([]byte, error) {
	data, ok := f[ref.Name]
	if !ok {
		return nil, adapter.NewError(adapter.KindValidation, "open", errors.New("missing"))
	}
	return data, nil
}

var smtpCfg = config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "events@example.com", Recipients: []string{"list@example.com"}}

func gala(targets ...string) *adapter.Request {
	return &adapter.Request{
		Platform: "email",
		Content:  domain.PlatformContent{Title: "Spring Gala", Body: "**Join us** at Town Hall", Targets: targets},
		Files:    []domain.FileRef{{Name: "poster.png", Path: "poster.png", MimeType: "image/png"}},
	}
}

func TestPublishSendsRenderedMessageWithAttachments(t *testing.T) {
	sender := &fakeSender{}
	api := NewAPI(smtpCfg, sender, fakeFiles{"poster.png": []byte("png")}, 0)

	res, err := api.Publish(context.Background(), gala())
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, []string{"list@example.com"}, msg.To)
	assert.Contains(t, msg.HTML, "<strong>Join us</strong>")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, res.PostID, msg.ID)
	assert.True(t, strings.HasSuffix(msg.ID, "@example.com>"))
}

func TestPublishSkipsAttachmentsWhenDisabled(t *testing.T) {
	sender := &fakeSender{}
	api := NewAPI(smtpCfg, sender, fakeFiles{}, 0)
	req := gala("a@example.com", "b@example.com")
	req.Options = map[string]string{"attach_files": "false"}

	_, err := api.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, sender.sent[0].Attachments)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sender.sent[0].To)
}

func TestMissingAttachmentFailsBeforeSending(t *testing.T) {
	sender := &fakeSender{}
	_, err := NewAPI(smtpCfg, sender, fakeFiles{}, 0).Publish(context.Background(), gala())
	code, _ := adapter.Classify(err)
	assert.Equal(t, adapter.CodeValidation, code)
	assert.Empty(t, sender.sent)
}

func TestInvalidRecipient(t *testing.T) {
	_, err := NewAPI(smtpCfg, &fakeSender{}, nil, 0).Publish(context.Background(), gala("not-an-address"))
	code, retryable := adapter.Classify(err)
	assert.Equal(t, adapter.CodeValidation, code)
	assert.False(t, retryable)
}

func TestSMTPErrorMapping(t *testing.T) {
	tests := []struct {
		code      int
		wantCode  string
		retryable bool
	}{
		{421, "SMTP_421", true},
		{535, "SMTP_535", false},
		{550, "SMTP_550", false},
	}
	for _, tt := range tests {
		err := smtpError("rcpt", &textproto.Error{Code: tt.code, Msg: "nope"})
		code, retryable := adapter.Classify(err)
		assert.Equal(t, tt.wantCode, code)
		assert.Equal(t, tt.retryable, retryable, tt.code)
	}

	code, _ := adapter.Classify(smtpError("dial", errors.New("boom")))
	assert.Equal(t, adapter.CodeUnknown, code)
}

func TestMessageBytes(t *testing.T) {
	msg := &Message{
		From:        "Events <events@example.com>",
		To:          []string{"list@example.com"},
		Subject:     "Spring Gala",
		Text:        "hi",
		HTML:        "<p>hi</p>",
		Attachments: []Attachment{{Name: "poster.png", MimeType: "image/png", Data: []byte("png")}},
	}
	raw, err := msg.Bytes()
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, s, "multipart/alternative; boundary=")
	assert.Contains(t, s, `filename=poster.png`)
	assert.Contains(t, s, "Message-ID: <")
	assert.True(t, strings.HasSuffix(msg.ID, "@example.com>"))
}

func TestModuleAvailability(t *testing.T) {
	mod := Module(config.SMTPConfig{}, Deps{})
	assert.Empty(t, mod.InvalidFields())
	assert.False(t, adapter.IsAvailable(mod.Service))
	assert.Nil(t, mod.Automation)
	assert.True(t, adapter.IsAvailable(Module(smtpCfg, Deps{}).Service))
}
