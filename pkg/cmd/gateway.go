package cmd

import (
	"log/slog"

	"github.com/flowmail/journey/pkg/gateway"
	"github.com/flowmail/journey/pkg/protocol"
)

// NewGateway builds the messaging gateway from Twilio credentials,
// falling back to a log-only gateway when none are configured.
func NewGateway(logger *slog.Logger, accountSID, authToken, from string) (protocol.MessagingGateway, error) {
	if accountSID == "" && authToken == "" {
		logger.Warn("No Twilio credentials configured, messages will be logged only")

		return gateway.NewLogGateway(logger), nil
	}

	return gateway.NewTwilioGateway(gateway.TwilioConfig{
		AccountSID: accountSID,
		AuthToken:  authToken,
		From:       from,
	}, logger)
}
