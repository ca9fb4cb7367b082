package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/storage"
	kit "reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// Reminders is the scheduler boundary the command host drives.
// *reminder.Service implements it.
type Reminders interface {
	AddDueItemIn(ctx context.Context, owner int64, payload string, at time.Time, tz string, channel int64) (bool, string)
	Cancel(ctx context.Context, owner int64, at time.Time) (bool, string)
	ListDueItems(ctx context.Context, owner int64) []storage.DueItem
	SetTimezone(ctx context.Context, owner int64, tz string) (bool, string)
	GetTimezone(ctx context.Context, owner int64) string
	ParseNaturalTime(text, tz string) (time.Time, bool)
}

type HandlerFunc func(ctx context.Context, req *Request) string

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handle      HandlerFunc
}

type Request struct {
	Msg  kit.Message
	Args string
}

// Commands routes slash commands to handlers and returns the reply text.
type Commands struct {
	rem     Reminders
	log     logx.Logger
	now     func() time.Time
	allowed []int64
	timeout time.Duration
	list    []Command
	byName  map[string]*Command
}

func NewCommands(rem Reminders, cfg Config, log logx.Logger) *Commands {
	cfg = cfg.withDefaults()
	c := &Commands{
		rem:     rem,
		log:     log.With(logx.Component("telegram.commands")),
		now:     time.Now,
		allowed: cfg.AllowedUsers,
		timeout: cfg.CommandTimeout,
		byName:  map[string]*Command{},
	}
	c.list = []Command{
		{Name: "remind", Aliases: []string{"r"}, Description: "Set a reminder", Usage: "/remind <when> | <text>", Handle: c.remind},
		{Name: "reminders", Aliases: []string{"list"}, Description: "List your reminders", Usage: "/reminders", Handle: c.reminders},
		{Name: "next", Description: "Show your next reminder", Usage: "/next", Handle: c.next},
		{Name: "cancel", Description: "Cancel a reminder by its list number", Usage: "/cancel <n>", Handle: c.cancel},
		{Name: "timezone", Aliases: []string{"tz"}, Description: "Show or set your timezone", Usage: "/timezone [Area/City]", Handle: c.timezone},
		{Name: "help", Aliases: []string{"start"}, Description: "Show commands", Usage: "/help", Handle: c.help},
	}
	for i := range c.list {
		cmd := &c.list[i]
		c.byName[cmd.Name] = cmd
		for _, a := range cmd.Aliases {
			c.byName[a] = cmd
		}
	}
	return c
}

// Menu lists commands for the platform command menu.
func (c *Commands) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(c.list))
	for _, cmd := range c.list {
		out = append(out, kit.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	return out
}

// Handle runs the command in msg. ok is false when msg is not a known command.
func (c *Commands) Handle(ctx context.Context, msg kit.Message) (reply string, ok bool) {
	name, args, isCmd := splitCommand(msg.Text)
	if !isCmd {
		return "", false
	}
	cmd := c.byName[name]
	if cmd == nil {
		return "", false
	}
	if len(c.allowed) > 0 && !slices.Contains(c.allowed, msg.FromID) {
		c.log.Info("command denied", logx.String("cmd", cmd.Name), logx.Owner(msg.FromID))
		return "You are not allowed to use this bot.", true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command panic", logx.String("cmd", cmd.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			reply, ok = "Something went wrong.", true
		}
	}()

	start := time.Now()
	reply = cmd.Handle(ctx, &Request{Msg: msg, Args: args})
	c.log.Debug("command handled", logx.String("cmd", cmd.Name), logx.Owner(msg.FromID), logx.Duration("dur", time.Since(start)))
	return reply, true
}

// splitCommand parses "/name@bot args". The name is lowercased.
func splitCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (c *Commands) remind(ctx context.Context, req *Request) string {
	when, text, found := strings.Cut(req.Args, "|")
	when, text = strings.TrimSpace(when), strings.TrimSpace(text)
	if !found || when == "" || text == "" {
		return "Usage: /remind <when> | <text>\nExamples: in 30 minutes | stretch, tomorrow at 9am | call mum"
	}

	owner := req.Msg.FromID
	tz := c.rem.GetTimezone(ctx, owner)
	at, ok := c.rem.ParseNaturalTime(when, tz)
	if !ok {
		return fmt.Sprintf("I couldn't understand the time %q. Try \"in 2 hours\", \"tomorrow at 9am\" or \"friday at 5pm\".", when)
	}

	var channel int64
	if req.Msg.IsGroup {
		channel = req.Msg.ChatID
	}
	added, reason := c.rem.AddDueItemIn(ctx, owner, text, at, tz, channel)
	if !added {
		return reason
	}
	local := at.In(loadZone(tz))
	return fmt.Sprintf("%s\n📅 %s (%s)", reason, local.Format("Monday, January 02 at 03:04 PM"), timeUntil(at, c.now()))
}

func (c *Commands) reminders(ctx context.Context, req *Request) string {
	owner := req.Msg.FromID
	return formatList(c.rem.ListDueItems(ctx, owner), c.rem.GetTimezone(ctx, owner), c.now())
}

func (c *Commands) next(ctx context.Context, req *Request) string {
	owner := req.Msg.FromID
	return formatNext(c.rem.ListDueItems(ctx, owner), c.rem.GetTimezone(ctx, owner), c.now())
}

func (c *Commands) cancel(ctx context.Context, req *Request) string {
	n, err := strconv.Atoi(req.Args)
	if err != nil || n <= 0 {
		return "Usage: /cancel <n> (the number shown by /reminders)"
	}
	items := c.rem.ListDueItems(ctx, req.Msg.FromID)
	if n > len(items) {
		return "Reminder not found"
	}
	_, reason := c.rem.Cancel(ctx, req.Msg.FromID, items[n-1].DueAt)
	return reason
}

func (c *Commands) timezone(ctx context.Context, req *Request) string {
	owner := req.Msg.FromID
	if req.Args == "" {
		tz := c.rem.GetTimezone(ctx, owner)
		return fmt.Sprintf("Your timezone is %s (local time %s)", tz, c.now().In(loadZone(tz)).Format("03:04 PM"))
	}
	ok, reason := c.rem.SetTimezone(ctx, owner, req.Args)
	if ok {
		reason += fmt.Sprintf(" (local time %s)", c.now().In(loadZone(req.Args)).Format("03:04 PM"))
	}
	return reason
}

func (c *Commands) help(context.Context, *Request) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range c.list {
		fmt.Fprintf(&b, "%s  %s\n", cmd.Usage, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
