package target

import (
	"context"
	"fmt"
	"sort"

	"github.com/cesanta/errors"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// Command is one monitor command surfaced by a driver.
type Command struct {
	Name    string
	Help    string
	Handler func(ctx context.Context, t *Target, args []string) error
}

// RegisterCommands adds driver commands to the target's table.
func (t *Target) RegisterCommands(cmds []Command) {
	t.commands = append(t.commands, cmds...)
}

// Commands lists the registered commands, sorted by name.
func (t *Target) Commands() []Command {
	out := append([]Command(nil), t.commands...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Command dispatches a monitor command line (already split into words)
// by name.
func (t *Target) Command(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "empty command"))
	}
	for _, c := range t.commands {
		if c.Name == args[0] {
			return errors.Trace(c.Handler(ctx, t, args[1:]))
		}
	}
	return errors.Errorf("unknown command %q, try: %s", args[0], t.commandNames())
}

func (t *Target) commandNames() string {
	s := ""
	for i, c := range t.Commands() {
		if i > 0 {
			s += ", "
		}
		s += c.Name
	}
	if s == "" {
		s = fmt.Sprintf("(none for %s)", t.Driver)
	}
	return s
}
