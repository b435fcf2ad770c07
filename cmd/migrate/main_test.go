package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestCreateThenValidate(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"create", "add invite audit", "--dir", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out.String(), "_add_invite_audit.sql") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	root = newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--dir", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "migration validation passed") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestToRequiresVersion(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"to"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected missing version to fail")
	}
}
