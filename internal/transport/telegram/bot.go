package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "reminderd/internal/runtime/supervisor"
	kit "reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// Bot owns the Telegram long-poll loop and outbound sends.
type Bot struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	cmds *Commands

	runMu   sync.Mutex
	running bool
	runCtx  atomic.Value // context.Context for handlers
	// sup owns the poll loop; created on Start and cancelled on Stop.
	sup *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

var _ kit.Sender = (*Bot)(nil)

func New(cfg Config, log logx.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	bot := &Bot{cfg: cfg, log: log.With(logx.Component("telegram")), bot: b}
	bot.runCtx.Store(context.Background())
	return bot, nil
}

// Handle routes incoming text through cmds. Call before Start.
func (b *Bot) Handle(cmds *Commands) {
	b.cmds = cmds
	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || b.cmds == nil {
			return nil
		}
		msg := kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		}
		ctx, _ := b.runCtx.Load().(context.Context)
		reply, ok := b.cmds.Handle(ctx, msg)
		if !ok || reply == "" {
			return nil
		}
		_, err := b.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, reply, &kit.SendOptions{DisablePreview: true})
		if err != nil {
			b.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		}
		return nil
	})
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.runCtx.Store(ctx)
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		// Telegram errors should not take down the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.runMu.Unlock()

	if b.cmds != nil {
		sup.Go0("menu.update", func(c context.Context) {
			if err := b.UpdateMenuCommands(b.cmds.Menu()); err != nil {
				b.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})

	// telebot's Start can return unexpectedly; restart it while ctx is live.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for long on a pending long-poll.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	go b.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		b.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Supervisor returns the poll supervisor (nil if not started).
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.sup
}

func (b *Bot) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := b.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands sets the bot command menu, skipping the call when the
// list is unchanged since the last success.
func (b *Bot) UpdateMenuCommands(cmds []kit.BotCommand) error {
	b.menuMu.Lock()
	defer b.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + c.Description + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: c.Description})
	}
	sum := h.Sum64()
	if sum == b.menuHash {
		return nil
	}
	if err := b.bot.SetCommands(list); err != nil {
		return err
	}
	b.menuHash = sum
	b.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
