package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/mail"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"layoutid/internal/config"
	"layoutid/internal/intake"
)

type Connector struct {
	service *gmail.Service
}

func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}
	return &Connector{service: svc}, nil
}

// NewWithService wraps an already configured Gmail service.
func NewWithService(svc *gmail.Service) *Connector {
	return &Connector{service: svc}
}

func (c *Connector) Name() string { return "gmail" }

// FetchInbox lists up to max messages with the label that carry an
// attachment and downloads them in raw form.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]intake.Message, error) {
	listResp, err := c.service.Users.Messages.List("me").
		LabelIds(label).
		Q("has:attachment").
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	out := make([]intake.Message, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		if ref.Id == "" {
			continue
		}
		rawResp, err := c.service.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		if rawResp.Raw == "" {
			continue
		}
		raw, err := decodeBase64URL(rawResp.Raw)
		if err != nil {
			return nil, err
		}

		m := intake.Message{Provider: "gmail", MessageID: ref.Id, Raw: raw}
		if rawResp.InternalDate > 0 {
			m.ReceivedAt = time.UnixMilli(rawResp.InternalDate).UTC()
		}
		if parsed, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
			if id := parsed.Header.Get("Message-Id"); id != "" {
				m.MessageID = id
			}
			m.Subject = decodeHeader(parsed.Header.Get("Subject"))
			m.From = decodeHeader(parsed.Header.Get("From"))
			if m.ReceivedAt.IsZero() {
				if t, err := parsed.Header.Date(); err == nil {
					m.ReceivedAt = t.UTC()
				}
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if out, err := dec.DecodeHeader(v); err == nil {
		return out
	}
	return v
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail raw payload: %w", err)
}
