package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
)

// Attachment is a file sent with the message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Message is a rendered announcement.
type Message struct {
	ID          string
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// StepData reports the message id on the completed step.
func (m *Message) StepData() map[string]any {
	return map[string]any{"message_id": m.ID, "recipients": len(m.To), "attachments": len(m.Attachments)}
}

// RenderHTML converts a markdown body to HTML.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Bytes encodes the message as RFC 5322 with a multipart/alternative body
// wrapped in multipart/mixed when there are attachments.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	domain := "eventcast.local"
	if at := strings.LastIndex(m.From, "@"); at >= 0 {
		domain = strings.Trim(m.From[at+1:], "> ")
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	}

	header("From", m.From)
	header("To", strings.Join(m.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	header("Message-ID", m.ID)
	header("MIME-Version", "1.0")

	mixed := multipart.NewWriter(&buf)
	if len(m.Attachments) > 0 {
		header("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
		buf.WriteString("\r\n")

		var altBuf bytes.Buffer
		alt := multipart.NewWriter(&altBuf)
		if err := m.writeAlternative(alt); err != nil {
			return nil, err
		}
		altHeader := textproto.MIMEHeader{}
		altHeader.Set("Content-Type", "multipart/alternative; boundary="+alt.Boundary())
		part, err := mixed.CreatePart(altHeader)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(altBuf.Bytes()); err != nil {
			return nil, err
		}
		for _, a := range m.Attachments {
			if err := writeAttachment(mixed, a); err != nil {
				return nil, err
			}
		}
		if err := mixed.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	alt := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/alternative; boundary="+alt.Boundary())
	buf.WriteString("\r\n")
	if err := m.writeAlternative(alt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeAlternative(w *multipart.Writer) error {
	for _, body := range []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	} {
		if body.content == "" {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", body.ctype)
		h.Set("Content-Transfer-Encoding", "base64")
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		if err := writeBase64(part, []byte(body.content)); err != nil {
			return err
		}
	}
	return w.Close()
}

func writeAttachment(w *multipart.Writer, a Attachment) error {
	ctype := a.MimeType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", ctype)
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	return writeBase64(part, a.Data)
}

// writeBase64 writes data base64 encoded in 76 character lines.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}
