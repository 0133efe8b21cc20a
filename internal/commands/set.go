// Package commands holds the bot's two command surfaces. Each Set owns
// a prefix and a fixed manifest of named commands; the router decides
// which Set a message belongs to and hands it over through Dispatch.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/pflag"

	"github.com/nugget/schedulebot/internal/chat"
)

// maxSuggestDistance bounds how different a typo may be and still get a
// "did you mean" hint.
const maxSuggestDistance = 3

// Command is one named handler in a Set.
type Command struct {
	// Name is what the user types after the prefix.
	Name string

	// Summary is the one-line description shown by help.
	Summary string

	// Usage shows the argument shape, e.g. "<name> --date YYYY-MM-DD".
	Usage string

	// Flags registers the command's flags on a fresh FlagSet for each
	// invocation. Nil means the command takes no flags.
	Flags func(fs *pflag.FlagSet)

	// Run executes the command.
	Run func(ctx context.Context, inv *Invocation) (Reply, error)
}

// Invocation is everything a handler sees for one message.
type Invocation struct {
	Message chat.Message
	Args    []string
	Flags   *pflag.FlagSet
	Env     Env

	set *Set
	cmd *Command
}

// Usage returns the full usage line for the invoked command.
func (inv *Invocation) Usage() string {
	return inv.set.usage(inv.cmd)
}

// UsageError is a handler error the user caused. The router shows it
// as a reply instead of logging a dispatch failure.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Usagef returns a UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// Set is an immutable, ordered collection of commands under one prefix.
type Set struct {
	Name   string
	Prefix string
	Desc   string

	commands []*Command
	byName   map[string]*Command
}

// NewSet builds a Set from a manifest. A help command listing the
// manifest is added unless the manifest has its own.
func NewSet(name, prefix, desc string, manifest ...*Command) (*Set, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("command set %s: empty prefix", name)
	}

	s := &Set{
		Name:   name,
		Prefix: prefix,
		Desc:   desc,
		byName: make(map[string]*Command, len(manifest)+1),
	}
	for _, cmd := range manifest {
		if cmd == nil || cmd.Name == "" || cmd.Run == nil {
			return nil, fmt.Errorf("command set %s: incomplete command %+v", name, cmd)
		}
		if _, dup := s.byName[cmd.Name]; dup {
			return nil, fmt.Errorf("command set %s: duplicate command %q", name, cmd.Name)
		}
		s.byName[cmd.Name] = cmd
		s.commands = append(s.commands, cmd)
	}

	if _, ok := s.byName["help"]; !ok {
		help := &Command{
			Name:    "help",
			Summary: "Show this list",
			Run: func(context.Context, *Invocation) (Reply, error) {
				return Text(s.Help()), nil
			},
		}
		s.byName[help.Name] = help
		s.commands = append([]*Command{help}, s.commands...)
	}
	return s, nil
}

// ValidatePrefixes rejects sets whose prefixes would make one surface
// shadow the other.
func ValidatePrefixes(public, admin *Set) error {
	if public.Prefix == admin.Prefix {
		return fmt.Errorf("%s and %s share prefix %q", public.Name, admin.Name, public.Prefix)
	}
	return nil
}

// Matches reports whether text is an invocation for this set: the
// prefix alone, or the prefix followed by whitespace.
func (s *Set) Matches(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, s.Prefix) {
		return false
	}
	rest := text[len(s.Prefix):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t'
}

// Commands returns the manifest in help order.
func (s *Set) Commands() []*Command {
	return append([]*Command(nil), s.commands...)
}

// Dispatch parses msg and runs the named command. Mistakes the user
// made (unknown command, bad flags, bad arguments) come back as a Reply
// with a nil error; a non-nil error means the handler itself failed.
func (s *Set) Dispatch(ctx context.Context, msg chat.Message, env Env) (Reply, error) {
	text := strings.TrimSpace(msg.Content)
	tokens, err := Tokenize(strings.TrimPrefix(text, s.Prefix))
	if err != nil {
		return Text(err.Error()), nil
	}
	if len(tokens) == 0 {
		return Text(s.Help()), nil
	}

	name := strings.ToLower(tokens[0])
	cmd, ok := s.byName[name]
	if !ok {
		return Text(s.unknown(name)), nil
	}

	fs := pflag.NewFlagSet(cmd.Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if cmd.Flags != nil {
		cmd.Flags(fs)
	}
	if err := fs.Parse(tokens[1:]); err != nil {
		return Text(fmt.Sprintf("%s\nUsage: `%s`", err, s.usage(cmd))), nil
	}

	inv := &Invocation{
		Message: msg,
		Args:    fs.Args(),
		Flags:   fs,
		Env:     env,
		set:     s,
		cmd:     cmd,
	}

	reply, err := cmd.Run(ctx, inv)
	var ue *UsageError
	if errors.As(err, &ue) {
		return Text(fmt.Sprintf("%s\nUsage: `%s`", ue.Msg, s.usage(cmd))), nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("%s %s: %w", s.Prefix, cmd.Name, err)
	}
	return reply, nil
}

// Help renders the command list.
func (s *Set) Help() string {
	var b strings.Builder
	if s.Desc != "" {
		fmt.Fprintf(&b, "**%s**: %s\n", s.Name, s.Desc)
	} else {
		fmt.Fprintf(&b, "**%s**\n", s.Name)
	}
	b.WriteString("```\n")
	tw := tabwriter.NewWriter(&b, 2, 0, 3, ' ', 0)
	for _, cmd := range s.commands {
		fmt.Fprintf(tw, "%s\t%s\n", s.usage(cmd), cmd.Summary)
	}
	tw.Flush()
	b.WriteString("```")
	return b.String()
}

func (s *Set) usage(cmd *Command) string {
	if cmd.Usage == "" {
		return s.Prefix + " " + cmd.Name
	}
	return s.Prefix + " " + cmd.Name + " " + cmd.Usage
}

func (s *Set) unknown(name string) string {
	if suggestion := s.suggest(name); suggestion != "" {
		return fmt.Sprintf("Unknown command `%s`. Did you mean `%s %s`?", name, s.Prefix, suggestion)
	}
	return fmt.Sprintf("Unknown command `%s`. Try `%s help`.", name, s.Prefix)
}

// suggest returns the closest command name within maxSuggestDistance.
func (s *Set) suggest(name string) string {
	type candidate struct {
		name string
		dist int
	}
	var found []candidate
	for _, cmd := range s.commands {
		d := levenshtein.ComputeDistance(name, cmd.Name)
		if d <= maxSuggestDistance {
			found = append(found, candidate{cmd.Name, d})
		}
	}
	if len(found) == 0 {
		return ""
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	return found[0].name
}
