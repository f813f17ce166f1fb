package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Client places and ends calls via the Twilio REST API.
type Client struct {
	cfg     Config
	creator callCreator
	updater callUpdater
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		c.creator = rest.Api
		c.updater = rest.Api
	}
	return c
}

func (c *Client) Name() string { return "twilio" }

func (c *Client) ReadyFields() map[string]any {
	return map[string]any{
		"stream_mode":         c.cfg.StreamMode,
		"status_callback_url": c.cfg.statusCallbackURL("{callId}"),
	}
}

// CreateCall dials req.To with inline TwiML that streams call audio to
// req.MediaURL. The returned control id is the Twilio call SID.
func (c *Client) CreateCall(ctx context.Context, req transports.CreateCallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.To == "" || req.From == "" {
		return "", errors.New("to/from required")
	}
	if req.MediaURL == "" {
		return "", errors.New("media url required")
	}
	if c.creator == nil {
		return "", errors.New("missing twilio credentials")
	}
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetTwiml(c.streamTwiml(req.MediaURL))
	if cb := c.cfg.statusCallbackURL(req.CallID); cb != "" && req.CallID != "" {
		params.SetStatusCallback(cb)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	resp, err := c.creator.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

// HangUp completes an in-progress call.
func (c *Client) HangUp(ctx context.Context, controlID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(controlID) == "" {
		return errors.New("call sid required")
	}
	if c.updater == nil {
		return errors.New("missing twilio credentials")
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := c.updater.UpdateCall(controlID, params)
	return err
}

// CallbackHandler serves status callbacks for calls placed by c.
func (c *Client) CallbackHandler(sink transports.EventSink) (string, http.Handler) {
	return "POST " + strings.TrimRight(c.cfg.StatusPath, "/") + "/{callId}", NewStatusHandler(c.cfg, sink)
}

func (c *Client) streamTwiml(mediaURL string) string {
	stream := `<Stream url="` + xmlEscape(mediaURL) + `"`
	if c.cfg.StreamMode == StreamModeConnect {
		return `<Response><Connect>` + stream + `/></Connect></Response>`
	}
	tail := `<Pause length="3600"/>`
	if agent := strings.TrimSpace(c.cfg.AgentNumber); agent != "" {
		tail = `<Dial>` + xmlEscape(agent) + `</Dial>`
	}
	return `<Response><Start>` + stream + ` track="both_tracks"/></Start>` + tail + `</Response>`
}

// IsRetryable reports whether a REST failure is worth retrying: throttling,
// server errors and transport failures are; client errors are not.
func IsRetryable(err error) bool {
	if !resilience.DefaultIsRetryable(err) {
		return false
	}
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) {
		return rest.Status == http.StatusTooManyRequests || rest.Status >= 500
	}
	return true
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
