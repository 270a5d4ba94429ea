package app

import (
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Serve(t *testing.T) {
	cmd := ParseCommand([]string{"serve"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([serve]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Worker(t *testing.T) {
	cmd := ParseCommand([]string{"worker"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{"unknown"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([unknown]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"worker", "--flag", "value"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker --flag value]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestParseCommand_OneShotCommands(t *testing.T) {
	tests := []struct {
		arg  string
		want Command
	}{
		{"sync", CommandSync},
		{"refresh-cache", CommandRefreshCache},
		{"cleanup", CommandCleanup},
		{"healthcheck", CommandHealthcheck},
	}

	for _, tt := range tests {
		if got := ParseCommand([]string{tt.arg}); got != tt.want {
			t.Errorf("ParseCommand([%s]) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestHasFlag(t *testing.T) {
	if !hasFlag([]string{"sync", "--force"}, "--force") {
		t.Error("hasFlag should find --force after subcommand")
	}
	if hasFlag([]string{"--force"}, "--force") {
		t.Error("hasFlag must ignore the subcommand position")
	}
	if hasFlag([]string{"sync"}, "--force") {
		t.Error("hasFlag should be false without flags")
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandRefreshCache, "refresh-cache"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
