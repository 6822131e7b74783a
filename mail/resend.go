package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendSender delivers through the Resend HTTP API.
type ResendSender struct {
	APIKey   string
	From     string
	Links    Links
	Endpoint string
	Client   *http.Client
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	out, err := render(s.Links, msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"from":    s.From,
		"to":      []string{msg.To},
		"subject": out.Subject,
		"html":    out.HTML,
	})
	if err != nil {
		return err
	}

	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = resendEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: resend returned %d", ErrSend, resp.StatusCode)
	}
	return nil
}
