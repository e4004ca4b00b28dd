// Package email sends subscription lifecycle notifications through the
// SendGrid v3 mail API.
package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.sendgrid.com/v3/mail/send"

type Client struct {
	apiKey     string
	fromEmail  string
	apiURL     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIURL(url string) Option {
	return func(cl *Client) {
		cl.apiURL = url
	}
}

func NewClient(apiKey, fromEmail string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		apiURL:     defaultAPIURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type address struct {
	Email string `json:"email"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridMail struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

// SendPlanActivated notifies the user that premium is live.
func (c *Client) SendPlanActivated(toEmail string) error {
	return c.send(toEmail,
		"Setlink Premium is active",
		"Your Setlink Premium plan is now active. Thanks for supporting Setlink!",
	)
}

// SendCancellationScheduled notifies the user when their plan will lapse.
func (c *Client) SendCancellationScheduled(toEmail string, at time.Time) error {
	return c.send(toEmail,
		"Your Setlink Premium cancellation is scheduled",
		fmt.Sprintf(
			"Your Setlink Premium plan will end on %s. You keep full access until then, and you can reactivate any time before that date.",
			at.UTC().Format("January 2, 2006"),
		),
	)
}

// SendPlanLapsed notifies the user that their plan reverted to free.
func (c *Client) SendPlanLapsed(toEmail string) error {
	return c.send(toEmail,
		"Your Setlink plan has ended",
		"Your Setlink Premium plan has ended and your account is back on the free plan. You can resubscribe from the app at any time.",
	)
}

func (c *Client) send(toEmail, subject, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing API key")
	}

	payload := sendgridMail{
		Personalizations: []personalization{{To: []address{{Email: toEmail}}}},
		From:             address{Email: c.fromEmail},
		Subject:          subject,
		Content:          []content{{Type: "text/plain", Value: textBody}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid API error: status %d", resp.StatusCode)
	}

	return nil
}
