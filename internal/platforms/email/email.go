// Package email sends event announcements to a mailing list.
package email

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/automation"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/platforms/render"
)

//go:embed scripts/webmail.js
var webmailScript string

const (
	maxSubjectRunes = 200
	maxAttachments  = 10
)

// FileReader loads attachment bytes.
type FileReader interface {
	ReadAll(ctx context.Context, f domain.FileRef, max int64) ([]byte, error)
}

// API sends the announcement over SMTP.
type API struct {
	cfg     config.SMTPConfig
	sender  Sender
	files   FileReader
	maxSize int64
}

// NewAPI creates the SMTP strategy. files may be nil, which sends no
// attachments.
func NewAPI(cfg config.SMTPConfig, sender Sender, files FileReader, maxSize int64) *API {
	return &API{cfg: cfg, sender: sender, files: files, maxSize: maxSize}
}

// Method reports the direct API.
func (a *API) Method() domain.Method { return domain.MethodAPI }

// Available reports whether a relay and sender address are configured.
func (a *API) Available() bool { return a.cfg.Host != "" && a.cfg.From != "" }

// Publish renders and sends one message to every recipient.
func (a *API) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	recipients, err := adapter.ExecuteStep(ctx, req.Steps, "resolve_targets", "Resolving recipients", func(context.Context) (recipientList, error) {
		return resolveRecipients(req, a.cfg.Recipients)
	})
	if err != nil {
		return nil, err
	}

	msg, err := adapter.ExecuteStep(ctx, req.Steps, "render", "Rendering message", func(context.Context) (*Message, error) {
		html, err := RenderHTML(req.Content.Body)
		if err != nil {
			return nil, adapter.NewError(adapter.KindValidation, "render", err)
		}
		return &Message{
			From:    a.cfg.From,
			To:      recipients,
			Subject: req.Content.Title,
			Text:    req.Content.Body,
			HTML:    html,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if a.files != nil && req.Option("attach_files", "true") == "true" {
		err = req.Steps.Do(ctx, "load_attachments", "Loading attachments", func(ctx context.Context) error {
			for i, f := range req.Files {
				data, err := a.files.ReadAll(ctx, f, a.maxSize)
				if err != nil {
					return err
				}
				msg.Attachments = append(msg.Attachments, Attachment{Name: f.Name, MimeType: f.MimeType, Data: data})
				req.Steps.Progress("load_attachments", (i+1)*100/len(req.Files), "Loaded "+f.Name)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = adapter.ExecuteStep(ctx, req.Steps, "send", "Sending message", func(ctx context.Context) (*Message, error) {
		return msg, a.sender.Send(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return &adapter.Result{Success: true, PostID: msg.ID}, nil
}

type recipientList []string

func (r recipientList) StepData() map[string]any { return map[string]any{"recipients": len(r)} }

func resolveRecipients(req *adapter.Request, fallback []string) (recipientList, error) {
	raw := req.Content.Targets
	if len(raw) == 0 {
		if s := req.Option("recipients", ""); s != "" {
			raw = strings.Split(s, ",")
		} else {
			raw = fallback
		}
	}
	var out recipientList
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "@") {
			return nil, adapter.NewError(adapter.KindValidation, "resolve recipients", fmt.Errorf("%q is not an email address", r))
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, adapter.NewError(adapter.KindValidation, "resolve recipients", errors.New("no recipients configured"))
	}
	return out, nil
}

// Deps are the optional collaborators of the email module.
type Deps struct {
	Sender      Sender // defaults to SMTP
	Files       FileReader
	MaxFileSize int64
	Engine      automation.Engine
	Runner      automation.Runner
}

// Module builds the email adapter.
func Module(cfg config.SMTPConfig, deps Deps) *adapter.Module {
	sender := deps.Sender
	if sender == nil {
		sender = NewSMTPSender(cfg)
	}
	mod := &adapter.Module{
		Metadata: adapter.Metadata{
			ID:           "email",
			DisplayName:  "Email",
			Version:      "1.0.0",
			Category:     adapter.CategoryEmail,
			Description:  "Sends the announcement to the mailing list with files attached.",
			RequiresAuth: true,
		},
		Schema: &adapter.Schema{
			Settings: []adapter.Field{
				{Name: "recipients", Label: "Recipients", Type: "text", Default: strings.Join(cfg.Recipients, ",")},
				{Name: "attach_files", Label: "Attach files", Type: "checkbox", Default: "true"},
			},
			Editor: []adapter.Field{
				{Name: "title", Label: "Subject", Type: "text", Required: true},
				{Name: "body", Label: "Message", Type: "markdown", Required: true},
			},
			Preview: []adapter.Field{{Name: "body", Label: "Message", Type: "html"}},
		},
		Capabilities: &adapter.Capabilities{Text: true, Image: true, Video: true, Link: true, HTML: true, Attachments: true, MaxFiles: maxAttachments},
		Service:      NewAPI(cfg, sender, deps.Files, deps.MaxFileSize),
		Parser:       render.Parser{Platform: "email"},
		Validator:    render.Limits{MaxTitleRunes: maxSubjectRunes, RequireBody: true},
	}
	if deps.Engine != nil && deps.Runner != nil {
		mod.Automation = automation.NewScriptPublisher(deps.Engine, deps.Runner, webmailScript, func(req *adapter.Request) (map[string]any, error) {
			recipients, err := resolveRecipients(req, cfg.Recipients)
			if err != nil {
				return nil, err
			}
			html, err := RenderHTML(req.Content.Body)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"webmail_url": req.Option("webmail_url", ""),
				"username":    cfg.Username,
				"password":    cfg.Password,
				"recipients":  []string(recipients),
				"subject":     req.Content.Title,
				"html":        html,
			}, nil
		})
	}
	return mod
}
