// Package announcer delivers route commands to the BGP speaker's HTTP
// control endpoint.
package announcer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jakubman1/exafs/internal/metrics"
	"github.com/jakubman1/exafs/internal/route"
)

// DeliveryError reports a command the speaker did not accept.
type DeliveryError struct {
	Command    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to deliver %q to speaker: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("speaker rejected %q with status %d", e.Command, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client posts one command per request. It never retries; a failed command
// is picked up again by the next sweep.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New returns a client for the speaker endpoint, e.g. http://localhost:5000/.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

// Send delivers the message's command. Announcing an already announced
// route and withdrawing an unknown one are both no-ops on the speaker side.
func (c *Client) Send(ctx context.Context, msg route.Message) (err error) {
	command := msg.Command()
	defer func(start time.Time) {
		metrics.SpeakerCommandDurationSeconds.Observe(time.Since(start).Seconds())
		metrics.SpeakerCommandsTotal.WithLabelValues(msg.Kind.String(), metrics.Result(err)).Inc()
	}(time.Now())
	slog.Debug("sending speaker command", slog.String("command", command))

	form := url.Values{"command": {command}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &DeliveryError{Command: command, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Command: command, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{Command: command, StatusCode: resp.StatusCode}
	}
	return nil
}
