package gateway

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/protocol"
)

// LogGateway logs sends instead of delivering them. Used in development
// when no Twilio credentials are configured.
type LogGateway struct {
	logger *slog.Logger
}

func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With("module", "log-gateway")}
}

func (g *LogGateway) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	messageID := "log-" + uuid.New().String()

	g.logger.InfoContext(ctx, "Simulated WhatsApp send",
		"phone", req.Phone,
		"template_id", req.TemplateID,
		"message_id", messageID,
	)

	return &protocol.SendResult{MessageID: messageID}, nil
}
