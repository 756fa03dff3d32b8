package main

import (
	"context"
	"testing"
)

func TestRunRunCommand_RequiresInputText(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOMWORK_HOME", dir)
	writeTestConfig(t, dir)

	if code := runRunCommand(context.Background(), nil, true); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

// Without an API key configured, genkitbackend falls back to a fixed
// non-JSON reply, so the note task runs to completion (failed, not
// crashed) and the command still exits 0 — Report always succeeds once
// Call has drained every workspace.
func TestRunRunCommand_DrainsOneNoteWithoutAPIKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOMWORK_HOME", dir)
	writeTestConfig(t, dir)

	code := runRunCommand(context.Background(), []string{"-input-text", "what is two plus two?"}, true)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}
