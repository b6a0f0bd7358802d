// Package gateway provides messaging gateway implementations behind
// protocol.MessagingGateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/flowmail/journey/pkg/protocol"
)

// TwilioGateway sends WhatsApp template messages through Twilio's content
// API. Template ids map to Twilio content SIDs.
type TwilioGateway struct {
	client *twilio.RestClient
	from   string
	logger *slog.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// From is the sending number in "whatsapp:+1234567890" format; the
	// prefix is added when missing.
	From string
}

func NewTwilioGateway(cfg TwilioConfig, logger *slog.Logger) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio account SID and auth token must be provided")
	}

	if cfg.From == "" {
		return nil, errors.New("twilio sending number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioGateway{
		client: rest,
		from:   whatsappAddress(cfg.From),
		logger: logger.With("module", "twilio_gateway"),
	}, nil
}

func (g *TwilioGateway) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	if req.Phone == "" {
		return nil, protocol.NewPermanentError("invalid_number", "empty phone number")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(g.from)
	params.SetTo(whatsappAddress(req.Phone))
	params.SetContentSid(req.TemplateID)

	if len(req.Variables) > 0 {
		variables, err := json.Marshal(req.Variables)
		if err != nil {
			return nil, protocol.NewPermanentError("invalid_variables", err.Error())
		}

		params.SetContentVariables(string(variables))
	}

	message, err := g.client.Api.CreateMessage(params)
	if err != nil {
		return nil, g.classify(ctx, req, err)
	}

	if message.Sid == nil {
		return nil, protocol.NewTransientError("missing_sid", "twilio returned no message sid")
	}

	return &protocol.SendResult{MessageID: *message.Sid}, nil
}

// classify maps Twilio REST errors onto the dispatch taxonomy: 4xx is the
// caller's fault and never retried, everything else is transient.
func (g *TwilioGateway) classify(ctx context.Context, req protocol.SendRequest, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		code := fmt.Sprintf("twilio_%d", restErr.Code)

		if restErr.Status >= 400 && restErr.Status < 500 {
			g.logger.WarnContext(ctx, "Twilio rejected message",
				"template", req.TemplateID, "status", restErr.Status, "code", restErr.Code)

			return protocol.NewPermanentError(code, restErr.Message)
		}

		return protocol.NewTransientError(code, restErr.Message)
	}

	return protocol.NewTransientError("twilio_unreachable", err.Error())
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}

	return "whatsapp:" + number
}
