package main

import (
	"io"
	"strings"
	"testing"

	"github.com/rookery-io/rookery/internal/config"
)

func TestEnqueueUsernameFlagRepeats(t *testing.T) {
	cmd := newEnqueueCmd(&config.Config{})
	if err := cmd.Flags().Parse([]string{"--username", "alice", "--username", "bob"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := cmd.Flags().GetStringArray("username")
	if err != nil {
		t.Fatalf("get username values: %v", err)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("usernames = %v, want [alice bob]", got)
	}
}

func TestRunFlagSurface(t *testing.T) {
	cmd := newRunCmd(&config.Config{})
	for _, flag := range []string{"once", "loop"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("run command missing --%s", flag)
		}
	}
	if err := cmd.Flags().Parse([]string{"--loop"}); err != nil {
		t.Fatalf("parse --loop: %v", err)
	}
	loop, err := cmd.Flags().GetBool("loop")
	if err != nil || !loop {
		t.Errorf("loop = %v (%v), want true", loop, err)
	}
}

func TestRunOnceAndLoopAreExclusive(t *testing.T) {
	cmd := newRunCmd(&config.Config{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--once", "--loop"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("run --once --loop succeeded, want mutual-exclusion error")
	}
	if !strings.Contains(err.Error(), "[once loop]") {
		t.Errorf("error = %v, want the flag-group violation", err)
	}
}
