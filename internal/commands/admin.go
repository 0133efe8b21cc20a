package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/schedulebot/internal/acl"
	"github.com/nugget/schedulebot/internal/chat"
)

// Admin returns the admin command manifest.
func Admin() []*Command {
	return []*Command{
		{
			Name:    "admins",
			Summary: "List, add or remove bot admins",
			Usage:   "list|add|remove <user>",
			Run: accessList("admins", true, func(e Env) acl.Set { return e.Admins },
				func(s Store) func(context.Context, string) error { return s.AddAdmin },
				func(s Store) func(context.Context, string) error { return s.RemoveAdmin },
				func(r *Reply, set acl.Set) { r.Admins = &set },
			),
		},
		{
			Name:    "blacklist",
			Summary: "List, add or remove blacklisted users",
			Usage:   "list|add|remove <user>",
			Run: accessList("blacklist", false, func(e Env) acl.Set { return e.Blacklist },
				func(s Store) func(context.Context, string) error { return s.AddToBlacklist },
				func(s Store) func(context.Context, string) error { return s.RemoveFromBlacklist },
				func(r *Reply, set acl.Set) { r.Blacklist = &set },
			),
		},
		{
			Name:    "deactivate",
			Summary: "Stop tracking an event",
			Usage:   "<event>",
			Run:     runDeactivate,
		},
	}
}

// accessList builds the handler shared by the admins and blacklist
// commands. Mutations persist first and then hand back the complete
// new set so the router can swap it in. With keepLast set the list can
// never be emptied.
func accessList(
	label string,
	keepLast bool,
	current func(Env) acl.Set,
	add func(Store) func(context.Context, string) error,
	remove func(Store) func(context.Context, string) error,
	adopt func(*Reply, acl.Set),
) func(context.Context, *Invocation) (Reply, error) {
	return func(ctx context.Context, inv *Invocation) (Reply, error) {
		if len(inv.Args) == 0 {
			return Reply{}, Usagef("Pick one of list, add or remove.")
		}
		set := current(inv.Env)

		switch strings.ToLower(inv.Args[0]) {
		case "list":
			return Text(formatIDs(label, set)), nil

		case "add", "remove":
			if len(inv.Args) != 2 {
				return Reply{}, Usagef("Name exactly one user.")
			}
			id, ok := ParseUserID(inv.Args[1])
			if !ok {
				return Reply{}, Usagef("%q is not a user ID or mention.", inv.Args[1])
			}

			var (
				next acl.Set
				verb string
			)
			if strings.EqualFold(inv.Args[0], "add") {
				if set.Has(id) {
					return Text(fmt.Sprintf("%s is already on the %s list.", chat.Mention(id), label)), nil
				}
				if err := add(inv.Env.Store)(ctx, id); err != nil {
					return Reply{}, err
				}
				next, verb = set.With(id), "Added"
			} else {
				if !set.Has(id) {
					return Text(fmt.Sprintf("%s is not on the %s list.", chat.Mention(id), label)), nil
				}
				if keepLast && set.Len() == 1 {
					return Text(fmt.Sprintf("%s is the last entry on the %s list and cannot be removed.", chat.Mention(id), label)), nil
				}
				if err := remove(inv.Env.Store)(ctx, id); err != nil {
					return Reply{}, err
				}
				next, verb = set.Without(id), "Removed"
			}

			reply := Text(fmt.Sprintf("%s %s. %s", verb, chat.Mention(id), formatIDs(label, next)))
			adopt(&reply, next)
			return reply, nil

		default:
			return Reply{}, Usagef("Unknown action %q.", inv.Args[0])
		}
	}
}

func runDeactivate(ctx context.Context, inv *Invocation) (Reply, error) {
	ev, err := eventArg(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if err := inv.Env.Store.DeactivateEvent(ctx, ev.ID); err != nil {
		return Reply{}, err
	}
	return Text(fmt.Sprintf("Event #%d **%s** is no longer tracked.", ev.ID, ev.Name)), nil
}

func formatIDs(label string, set acl.Set) string {
	if set.Len() == 0 {
		return fmt.Sprintf("The %s list is empty.", label)
	}
	ids := set.IDs()
	for i, id := range ids {
		ids[i] = chat.Mention(id)
	}
	return fmt.Sprintf("Current %s (%d): %s", label, len(ids), strings.Join(ids, ", "))
}
