package telegram

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
)

const listLimit = 10

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// timeUntil renders a future instant relative to now ("in 2 hours and 5 minutes").
// Minutes are dropped once the target is a day or more away.
func timeUntil(target, now time.Time) string {
	d := target.Sub(now)
	if d < 0 {
		return "now"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d%(24*time.Hour)) / int(time.Hour)
	minutes := int(d%time.Hour) / int(time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 && days == 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	switch len(parts) {
	case 0:
		return "in a moment"
	case 1:
		return "in " + parts[0]
	default:
		return "in " + strings.Join(parts[:2], " and ")
	}
}

// timeSince renders a past instant relative to now. past and now must share a location.
func timeSince(past, now time.Time) string {
	d := now.Sub(past)
	if d < time.Minute {
		return "1 minute ago"
	}
	py, pm, pd := past.Date()
	ny, nm, nd := now.Date()
	if py == ny && pm == nm && pd == nd {
		if h := int(d / time.Hour); h > 0 {
			return plural(h, "hour") + " ago"
		}
		return plural(int(d/time.Minute), "minute") + " ago"
	}

	pastDay := time.Date(py, pm, pd, 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	days := int(nowDay.Sub(pastDay) / (24 * time.Hour))
	switch {
	case days == 1:
		return "yesterday"
	case d < 7*24*time.Hour:
		return "last " + past.Weekday().String()
	case py == ny && pm == nm:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}

	years := ny - py
	months := int(nm) - int(pm)
	if months < 0 {
		years--
		months += 12
	}
	switch {
	case years > 0 && months == 0:
		return plural(years, "year") + " ago"
	case years > 0:
		return plural(years, "year") + " and " + plural(months, "month") + " ago"
	default:
		return plural(months, "month") + " ago"
	}
}

func loadZone(tz string) *time.Location {
	if loc, err := time.LoadLocation(tz); err == nil && tz != "" {
		return loc
	}
	return time.UTC
}

// formatDelivery is the text sent when an item comes due.
func formatDelivery(d reminder.Delivery, now time.Time) string {
	loc := loadZone(d.Timezone)
	set := d.CreatedAt
	if set.IsZero() {
		set = d.DueAt
	}
	set = set.In(loc)
	var b strings.Builder
	b.WriteString("⏰ Reminder\n\n")
	b.WriteString(d.Payload)
	fmt.Fprintf(&b, "\n\nSet %s on %s", timeSince(set, now.In(loc)), set.Format("2006-01-02 at 03:04 PM"))
	return b.String()
}

func formatList(items []storage.DueItem, tz string, now time.Time) string {
	if len(items) == 0 {
		return "You don't have any reminders set. Use /remind <when> | <text> to create one!"
	}
	loc := loadZone(tz)
	var b strings.Builder
	fmt.Fprintf(&b, "Your reminders (%d total)\n", len(items))
	for i, it := range items {
		if i == listLimit {
			fmt.Fprintf(&b, "\n...and %d more", len(items)-listLimit)
			break
		}
		where := "DM"
		if it.ChannelID != 0 {
			where = "this chat"
		}
		fmt.Fprintf(&b, "\n%d. %s\n   📅 %s (%s) 📍 %s", i+1, it.Payload,
			it.DueAt.In(loc).Format("Jan 02 at 03:04 PM"), timeUntil(it.DueAt, now), where)
	}
	fmt.Fprintf(&b, "\n\nTimezone: %s", tz)
	return b.String()
}

func formatNext(items []storage.DueItem, tz string, now time.Time) string {
	if len(items) == 0 {
		return "You don't have any reminders set. Use /remind <when> | <text> to create one!"
	}
	it := items[0]
	return fmt.Sprintf("Your next reminder ⏰\n\n%s\n\n📅 %s\n⏱️ %s\n\nYou have %s",
		it.Payload,
		it.DueAt.In(loadZone(tz)).Format("Monday, January 02 at 03:04 PM"),
		timeUntil(it.DueAt, now),
		plural(len(items), "total reminder"))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
