package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/schedulebot/internal/buildinfo"
	"github.com/nugget/schedulebot/internal/store"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// General returns the public command manifest.
func General() []*Command {
	return []*Command{
		{
			Name:    "version",
			Summary: "Show the bot version",
			Run: func(context.Context, *Invocation) (Reply, error) {
				return Text(buildinfo.String()), nil
			},
		},
		{
			Name:    "create",
			Summary: "Schedule a new event",
			Usage:   `"<name>" --date YYYY-MM-DD --time HH:MM`,
			Flags: func(fs *pflag.FlagSet) {
				fs.StringP("date", "d", "", "event date (YYYY-MM-DD)")
				fs.StringP("time", "t", "", "start time (HH:MM, 24h)")
			},
			Run: runCreate,
		},
		{
			Name:    "list",
			Summary: "List upcoming events",
			Run:     runList,
		},
		{
			Name:    "join",
			Summary: "Sign up for an event",
			Usage:   "<event>",
			Run:     attendance(store.StatusConfirmed),
		},
		{
			Name:    "leave",
			Summary: "Withdraw from an event",
			Usage:   "<event>",
			Run:     attendance(store.StatusDeclined),
		},
		{
			Name:    "link-steam",
			Summary: "Link your Steam account with the code the bot sent you",
			Usage:   "<code>",
			Run:     runLinkSteam,
		},
	}
}

func runCreate(ctx context.Context, inv *Invocation) (Reply, error) {
	if len(inv.Args) == 0 {
		return Reply{}, Usagef("An event needs a name.")
	}
	name := strings.Join(inv.Args, " ")

	date, _ := inv.Flags.GetString("date")
	clock, _ := inv.Flags.GetString("time")
	if date == "" || clock == "" {
		return Reply{}, Usagef("Both --date and --time are required.")
	}

	startsAt, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, inv.Env.location())
	if err != nil {
		return Reply{}, Usagef("Could not read %q %q as a date and time.", date, clock)
	}
	if startsAt.Before(inv.Env.now()) {
		return Reply{}, Usagef("That time is already in the past.")
	}

	ev := &store.Event{
		Name:      name,
		StartsAt:  startsAt,
		CreatedBy: inv.Message.Author.ID,
	}
	if err := inv.Env.Store.CreateEvent(ctx, ev); err != nil {
		return Reply{}, err
	}
	if err := inv.Env.Store.SetAttendance(ctx, ev.ID, inv.Message.Author.ID, store.StatusConfirmed); err != nil {
		return Reply{}, err
	}
	refresh(ctx, inv, ev)

	return Text(fmt.Sprintf("Created event #%d **%s** on %s.", ev.ID, ev.Name, formatStart(ev.StartsAt, inv.Env.location()))), nil
}

func runList(ctx context.Context, inv *Invocation) (Reply, error) {
	events, err := inv.Env.Store.ActiveEvents(ctx)
	if err != nil {
		return Reply{}, err
	}
	if len(events) == 0 {
		return Text("No events scheduled."), nil
	}

	var b strings.Builder
	b.WriteString("Upcoming events:\n")
	for _, ev := range events {
		attendees, err := inv.Env.Store.Attendees(ctx, ev.ID)
		if err != nil {
			return Reply{}, err
		}
		going := 0
		for _, a := range attendees {
			if a.Status == store.StatusConfirmed {
				going++
			}
		}
		fmt.Fprintf(&b, "`#%d` **%s**, %s (%d going)\n", ev.ID, ev.Name, formatStart(ev.StartsAt, inv.Env.location()), going)
	}
	return Text(b.String()), nil
}

func attendance(status store.Status) func(context.Context, *Invocation) (Reply, error) {
	return func(ctx context.Context, inv *Invocation) (Reply, error) {
		ev, err := eventArg(ctx, inv)
		if err != nil {
			return Reply{}, err
		}
		if err := inv.Env.Store.SetAttendance(ctx, ev.ID, inv.Message.Author.ID, status); err != nil {
			return Reply{}, err
		}
		refresh(ctx, inv, ev)

		if status == store.StatusConfirmed {
			return Text(fmt.Sprintf("You're in for **%s**.", ev.Name)), nil
		}
		return Text(fmt.Sprintf("You're out of **%s**.", ev.Name)), nil
	}
}

func runLinkSteam(ctx context.Context, inv *Invocation) (Reply, error) {
	if len(inv.Args) != 1 {
		return Reply{}, Usagef("Add the Steam bot as a friend to get a code, then send it here.")
	}
	if inv.Env.Verifier == nil {
		return Text("Steam linking is not available right now."), nil
	}

	steamID, err := inv.Env.Verifier.Verify(inv.Args[0])
	if err != nil {
		return Text("That code is unknown or has expired. Add the Steam bot again to get a new one."), nil
	}
	if err := inv.Env.Store.LinkUser(ctx, inv.Message.Author.ID, steamID); err != nil {
		return Reply{}, err
	}
	inv.Env.Verifier.Ignore(steamID)

	return Text("Your Steam account is now linked."), nil
}

// eventArg resolves the single "<event>" argument to an active event.
func eventArg(ctx context.Context, inv *Invocation) (*store.Event, error) {
	if len(inv.Args) != 1 {
		return nil, Usagef("Which event? Use the number from `list`.")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(inv.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return nil, Usagef("%q is not an event number.", inv.Args[0])
	}

	ev, err := inv.Env.Store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !ev.Active) {
		return nil, Usagef("There is no active event #%d.", id)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// refresh re-renders the event summary now instead of waiting for the
// next reconciliation tick. Failures are logged and left for that tick
// to repair.
func refresh(ctx context.Context, inv *Invocation, ev *store.Event) {
	if inv.Env.Summaries == nil {
		return
	}
	if err := inv.Env.Summaries.UpdateSummary(ctx, ev); err != nil {
		inv.Env.logger().Warn("summary refresh failed", "event_id", ev.ID, "error", err)
	}
}

func formatStart(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Mon Jan 2 15:04 MST")
}
