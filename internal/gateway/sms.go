package gateway

import (
	"context"
	"fmt"
	"log/slog"
)

// Provisioning SMS texts understood by the dashcam firmware.
const (
	smsPointTemplate = "<SPBSJ*P:BSJGPS*D:%s,%d>"
	smsFactoryReset  = "<SPBSJ*P:BSJGPS*Q:0,0>"
)

// PointServerSMS builds the text that points a device at this server.
func PointServerSMS(ip string, port int) string {
	return fmt.Sprintf(smsPointTemplate, ip, port)
}

// FactoryResetSMS builds the factory-reset text.
func FactoryResetSMS() string {
	return smsFactoryReset
}

// SMSSender delivers a provisioning text to a device SIM. The actual
// carrier gateway lives outside this service.
type SMSSender interface {
	Send(ctx context.Context, phone, text string) error
}

// LogSMSSender logs the message instead of delivering it. Used when no
// carrier gateway is configured; operators copy the text into their own
// SMS tooling.
type LogSMSSender struct {
	log *slog.Logger
}

// NewLogSMSSender creates a logging sender.
func NewLogSMSSender(log *slog.Logger) *LogSMSSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSMSSender{log: log}
}

// Send logs the provisioning text.
func (s *LogSMSSender) Send(_ context.Context, phone, text string) error {
	s.log.Info("provisioning sms (no carrier gateway configured)",
		"phone", phone, "text", text)
	return nil
}
