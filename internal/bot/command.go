package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// commandPrefix marks a message as a bot command.
const commandPrefix = "#"

// CommandKind identifies a bot command. The set is closed; every kind has an
// entry in commandSpecs and in the router's dispatch table.
type CommandKind int

const (
	CmdHelp CommandKind = iota
	CmdSubmit
	CmdDone
	CmdConfirm
	CmdCancel
	CmdFeedback
	CmdApprove
	CmdReject
	CmdPush
	CmdDelete
	CmdView
	CmdStatus
	CmdReset
	numCommands
)

// Scope says where a command is accepted.
type Scope int

const (
	ScopeAny    Scope = iota
	ScopeAuthor       // direct messages
	ScopeAdmin        // admin channel, by an allowed operator
)

type commandSpec struct {
	name  string
	scope Scope
	usage string
	// minIDs is the number of leading submission ids the command requires.
	minIDs int
	// manyIDs lets every argument be a submission id.
	manyIDs bool
}

var commandSpecs = [numCommands]commandSpec{
	CmdHelp:     {name: "help", scope: ScopeAny, usage: "#help"},
	CmdSubmit:   {name: "submit", scope: ScopeAuthor, usage: "#submit [anon] [single]"},
	CmdDone:     {name: "done", scope: ScopeAuthor, usage: "#done"},
	CmdConfirm:  {name: "confirm", scope: ScopeAuthor, usage: "#confirm"},
	CmdCancel:   {name: "cancel", scope: ScopeAuthor, usage: "#cancel"},
	CmdFeedback: {name: "feedback", scope: ScopeAuthor, usage: "#feedback <text>"},
	CmdApprove:  {name: "approve", scope: ScopeAdmin, usage: "#approve <id>...", minIDs: 1, manyIDs: true},
	CmdReject:   {name: "reject", scope: ScopeAdmin, usage: "#reject <id> [reason]", minIDs: 1},
	CmdPush:     {name: "push", scope: ScopeAdmin, usage: "#push <id>...", minIDs: 1, manyIDs: true},
	CmdDelete:   {name: "delete", scope: ScopeAdmin, usage: "#delete <id>...", minIDs: 1, manyIDs: true},
	CmdView:     {name: "view", scope: ScopeAdmin, usage: "#view <id>...", minIDs: 1, manyIDs: true},
	CmdStatus:   {name: "status", scope: ScopeAdmin, usage: "#status"},
	CmdReset:    {name: "reset", scope: ScopeAdmin, usage: "#reset <user-id>"},
}

var commandsByName = func() map[string]CommandKind {
	m := make(map[string]CommandKind, numCommands)
	for k := CommandKind(0); k < numCommands; k++ {
		m[commandSpecs[k].name] = k
	}
	// Short aliases.
	m["anon"] = CmdSubmit
	m["end"] = CmdDone
	m["pass"] = CmdApprove
	return m
}()

func (k CommandKind) String() string {
	if k < 0 || k >= numCommands {
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
	return commandSpecs[k].name
}

// Scope returns where the command is accepted.
func (k CommandKind) Scope() Scope { return commandSpecs[k].scope }

// Usage returns the one-line usage string.
func (k CommandKind) Usage() string { return commandSpecs[k].usage }

// Command is a parsed bot command.
type Command struct {
	Kind CommandKind
	IDs  []uint
	// Text is the free text after the command and its ids: the feedback
	// body, the rejection reason, or the user id for reset.
	Text      string
	Anonymous bool
	Single    bool
}

// isCommand reports whether text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), commandPrefix)
}

// ParseCommand parses "#name args...". It returns an error naming the usage
// when the command is unknown or its arguments are invalid.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, commandPrefix) {
		return Command{}, fmt.Errorf("not a command")
	}
	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return Command{Kind: CmdHelp}, nil
	}
	name := strings.ToLower(fields[0])
	kind, ok := commandsByName[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command %q", name)
	}
	cmd := Command{Kind: kind}
	args := fields[1:]
	spec := commandSpecs[kind]

	if kind == CmdSubmit {
		cmd.Anonymous = name == "anon"
		for _, a := range args {
			switch strings.ToLower(a) {
			case "anon", "anonymous":
				cmd.Anonymous = true
			case "single":
				cmd.Single = true
			default:
				return Command{}, fmt.Errorf("unknown option %q, usage: %s", a, spec.usage)
			}
		}
		return cmd, nil
	}

	n := len(args)
	if !spec.manyIDs && n > spec.minIDs {
		n = spec.minIDs
	}
	for i := 0; i < n; i++ {
		id, err := strconv.ParseUint(strings.TrimPrefix(args[i], "#"), 10, 64)
		if err != nil || id == 0 {
			return Command{}, fmt.Errorf("%q is not a submission id, usage: %s", args[i], spec.usage)
		}
		cmd.IDs = append(cmd.IDs, uint(id))
	}
	if len(cmd.IDs) < spec.minIDs {
		return Command{}, fmt.Errorf("usage: %s", spec.usage)
	}
	cmd.Text = strings.TrimSpace(strings.Join(args[n:], " "))
	if kind == CmdReset && cmd.Text == "" {
		return Command{}, fmt.Errorf("usage: %s", spec.usage)
	}
	return cmd, nil
}

// helpText lists the commands available in a scope.
func helpText(scope Scope) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for k := CommandKind(0); k < numCommands; k++ {
		s := commandSpecs[k]
		if s.scope == ScopeAny || s.scope == scope {
			fmt.Fprintf(&b, "`%s`\n", s.usage)
		}
	}
	return b.String()
}
