package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"reminderd/internal/reminder"
	kit "reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// Deliverer sends due items through a Sender. Items with a channel go there
// first and fall back to a direct message to the owner.
type Deliverer struct {
	send    kit.Sender
	log     logx.Logger
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

var _ reminder.Deliverer = (*Deliverer)(nil)

func NewDeliverer(send kit.Sender, cfg Config, log logx.Logger) *Deliverer {
	cfg = cfg.withDefaults()
	return &Deliverer{
		send: send,
		log:  log.With(logx.Component("telegram.deliver")),
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		timeout: cfg.SendTimeout,
		now:     time.Now,
	}
}

func (d *Deliverer) Deliver(ctx context.Context, it reminder.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	text := formatDelivery(it, d.now())
	if it.ChannelID != 0 {
		mention := fmt.Sprintf("<a href=\"tg://user?id=%d\">⏰</a> ", it.OwnerID)
		err := d.sendTo(ctx, it.ChannelID, mention+escapeHTML(text), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		if err == nil {
			return nil
		}
		d.log.Warn("channel send failed; falling back to direct message",
			logx.Owner(it.OwnerID), logx.Int64("chat", it.ChannelID), logx.Err(err))
	}
	if err := d.sendTo(ctx, it.OwnerID, text, nil); err != nil {
		if unreachable(err) {
			return fmt.Errorf("direct message to %d: %w: %w", it.OwnerID, reminder.ErrUnreachable, err)
		}
		return fmt.Errorf("direct message to %d: %w", it.OwnerID, err)
	}
	return nil
}

// Telegram answers that stay the same on retry.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
	tele.ErrChatNotFound,
}

func unreachable(err error) bool {
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

func (d *Deliverer) sendTo(ctx context.Context, chat int64, text string, opt *kit.SendOptions) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := d.send.SendText(ctx, kit.ChatTarget{ChatID: chat}, text, opt)
	return err
}
