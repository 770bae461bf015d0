package bot

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want Command
	}{
		{"#help", Command{Kind: CmdHelp}},
		{"#", Command{Kind: CmdHelp}},
		{"  #SUBMIT  ", Command{Kind: CmdSubmit}},
		{"#submit anon", Command{Kind: CmdSubmit, Anonymous: true}},
		{"#submit single anonymous", Command{Kind: CmdSubmit, Anonymous: true, Single: true}},
		{"#anon", Command{Kind: CmdSubmit, Anonymous: true}},
		{"#end", Command{Kind: CmdDone}},
		{"#confirm", Command{Kind: CmdConfirm}},
		{"#feedback the  bot is great", Command{Kind: CmdFeedback, Text: "the bot is great"}},
		{"#approve 3", Command{Kind: CmdApprove, IDs: []uint{3}}},
		{"#pass #3 #4", Command{Kind: CmdApprove, IDs: []uint{3, 4}}},
		{"#reject 7", Command{Kind: CmdReject, IDs: []uint{7}}},
		{"#reject 7 off topic", Command{Kind: CmdReject, IDs: []uint{7}, Text: "off topic"}},
		{"#push 1 2 3", Command{Kind: CmdPush, IDs: []uint{1, 2, 3}}},
		{"#delete 9", Command{Kind: CmdDelete, IDs: []uint{9}}},
		{"#view 1 2", Command{Kind: CmdView, IDs: []uint{1, 2}}},
		{"#status", Command{Kind: CmdStatus}},
		{"#reset <@1001>", Command{Kind: CmdReset, Text: "<@1001>"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseCommand(tt.text)
			if err != nil {
				t.Fatalf("ParseCommand(%q): %v", tt.text, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"hello", "not a command"},
		{"#sunset", `unknown command "sunset"`},
		{"#submit loudly", `unknown option "loudly"`},
		{"#approve", "usage: #approve"},
		{"#approve 1 x", `"x" is not a submission id`},
		{"#delete 0", `"0" is not a submission id`},
		{"#reject", "usage: #reject"},
		{"#reset", "usage: #reset"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			_, err := ParseCommand(tt.text)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseCommand(%q) err = %v, want %q", tt.text, err, tt.want)
			}
		})
	}
}

func TestCommandKind_String(t *testing.T) {
	if got := CmdApprove.String(); got != "approve" {
		t.Errorf("String() = %q, want %q", got, "approve")
	}
	if got := CommandKind(99).String(); got != "CommandKind(99)" {
		t.Errorf("String() = %q, want %q", got, "CommandKind(99)")
	}
}

func TestCommandSpecs_Complete(t *testing.T) {
	for k := CommandKind(0); k < numCommands; k++ {
		s := commandSpecs[k]
		if s.name == "" || !strings.HasPrefix(s.usage, commandPrefix+s.name) {
			t.Errorf("spec for %d = %+v", k, s)
		}
		if got := commandsByName[s.name]; got != k {
			t.Errorf("commandsByName[%q] = %v, want %v", s.name, got, k)
		}
	}
}

func TestHelpText_Scopes(t *testing.T) {
	author := helpText(ScopeAuthor)
	admin := helpText(ScopeAdmin)
	if !strings.Contains(author, "#submit") || strings.Contains(author, "#approve") {
		t.Errorf("author help = %q", author)
	}
	if !strings.Contains(admin, "#approve") || strings.Contains(admin, "#submit") {
		t.Errorf("admin help = %q", admin)
	}
	if !strings.Contains(author, "#help") || !strings.Contains(admin, "#help") {
		t.Error("#help should be listed in both scopes")
	}
}
