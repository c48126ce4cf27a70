package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"incident-dispatch-go/internal/apperr"
)

// SMSMaxLength is the single-segment budget for outbound SMS.
const SMSMaxLength = 160

// FormatSMS renders a notification for SMS, truncating to SMSMaxLength
// characters with a trailing "..." when it does not fit.
func FormatSMS(title, message string) string {
	text := message
	if title != "" {
		text = title + ": " + message
	}
	r := []rune(text)
	if len(r) <= SMSMaxLength {
		return text
	}
	return string(r[:SMSMaxLength-3]) + "..."
}

// NormalizePhone converts local numbers ("024...") and bare country-code
// numbers ("233...") to "+233..." form. Other inputs are returned with
// formatting characters removed.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if unicode.IsDigit(r) || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	p := b.String()
	switch {
	case p == "":
		return ""
	case strings.HasPrefix(p, "+"):
		return p
	case strings.HasPrefix(p, "233"):
		return "+" + p
	case strings.HasPrefix(p, "0"):
		return "+233" + p[1:]
	}
	return "+" + p
}

// SMSGateway posts messages to a form-encoded HTTP SMS provider.
type SMSGateway struct {
	url      string
	username string
	password string
	senderID string
	client   *http.Client
}

func NewSMSGateway(gatewayURL, username, password, senderID string, client *http.Client) *SMSGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSGateway{
		url:      gatewayURL,
		username: username,
		password: password,
		senderID: senderID,
		client:   client,
	}
}

func (g *SMSGateway) SendSMS(ctx context.Context, to, message string) error {
	form := url.Values{
		"username":  {g.username},
		"password":  {g.password},
		"sender_id": {g.senderID},
		"recipient": {to},
		"message":   {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Wrap(apperr.Gateway, "build sms request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Gateway, "sms gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.New(apperr.Gateway, fmt.Sprintf("sms gateway responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}
