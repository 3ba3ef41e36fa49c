package service

import (
	"strings"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/config"
)

// NewNotifier assembles the configured alert sinks. Each sink gets its own
// circuit breaker when enabled. It returns a nil notifier when no channel is
// configured; the returned close func is always safe to call.
func NewNotifier(cfg config.AlertingConfig, logger zerolog.Logger) (alerting.Notifier, func(), error) {
	var (
		routes  []alerting.Route
		closers []func()
	)
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	timeout := cfg.DeliveryTimeout
	for _, ch := range cfg.Channels {
		name := strings.ToLower(strings.TrimSpace(ch))
		var sink alerting.Notifier
		var floor string
		switch name {
		case config.ChannelWebhook:
			sink = alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Headers, timeout, logger)
			floor = cfg.Webhook.MinSeverity
		case config.ChannelSlack:
			sink = alerting.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel, timeout, logger)
			floor = cfg.Slack.MinSeverity
		case config.ChannelTelegram:
			sink = alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, timeout, logger)
			floor = cfg.Telegram.MinSeverity
		case config.ChannelNATS:
			n, err := alerting.DialNATSNotifier(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
			if err != nil {
				closeAll()
				return nil, func() {}, err
			}
			closers = append(closers, n.Close)
			sink = n
			floor = cfg.NATS.MinSeverity
		default:
			continue
		}

		if cfg.Breaker.Enabled {
			sink = alerting.NewBreakerNotifier(name, sink, cfg.Breaker, logger)
		}
		var minSeverity alerting.Severity
		if floor != "" {
			sev, err := alerting.ParseSeverity(floor)
			if err != nil {
				closeAll()
				return nil, func() {}, err
			}
			minSeverity = sev
		}
		routes = append(routes, alerting.Route{Name: name, Notifier: sink, MinSeverity: minSeverity})
	}

	if len(routes) == 0 {
		return nil, closeAll, nil
	}
	return alerting.NewMultiNotifier(routes...), closeAll, nil
}
