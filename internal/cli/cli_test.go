package cli

import (
	"bytes"
	"strings"
	"testing"

	"metricwatch/internal/model"
)

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "metricwatch dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestParseKind(t *testing.T) {
	if _, err := parseKind(""); err == nil {
		t.Fatal("expected error for empty monitor")
	}
	kind, err := parseKind("payment")
	if err != nil || kind != model.KindPayment {
		t.Fatalf("unexpected %q err=%v", kind, err)
	}
	if _, err := parseKind("billing"); err == nil {
		t.Fatal("expected error for unknown monitor")
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"run"}, {"show"}, {"export"}, {"replay"}, {"simulate"},
		{"threshold", "get"}, {"threshold", "set"}, {"threshold", "delete"},
		{"monitor", "status"}, {"monitor", "start"}, {"monitor", "stop"},
		{"version"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not registered (got %q, rest %v, err %v)", path, cmd.Name(), rest, err)
		}
	}
}
