package main

import (
	"context"
	"testing"
)

func TestRunDoctorCommand_PassesAgainstAHealthyConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOMWORK_HOME", dir)
	writeTestConfig(t, dir)

	if code := runDoctorCommand(context.Background(), nil, true); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunDoctorCommand_JSONFlagDoesNotChangeExitCode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOMWORK_HOME", dir)
	writeTestConfig(t, dir)

	if code := runDoctorCommand(context.Background(), []string{"-json"}, true); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}
