// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arbor-run/arbor/lib/config"
)

func TestSinkAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	router := NewLogRouter(dir)
	sb := &config.SandboxConfig{Name: "web"}

	sink, err := router.Sink(sb)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.WriteString("first incarnation\n"); err != nil {
		t.Fatal(err)
	}
	router.Release("web")

	sink, err = router.Sink(sb)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.WriteString("second incarnation\n"); err != nil {
		t.Fatal(err)
	}
	router.CloseAll()

	data, err := os.ReadFile(filepath.Join(dir, "web.log"))
	if err != nil {
		t.Fatal(err)
	}
	want := "first incarnation\nsecond incarnation\n"
	if string(data) != want {
		t.Errorf("log content = %q, want %q", data, want)
	}
}

func TestSinkSharedWithinSandbox(t *testing.T) {
	router := NewLogRouter(t.TempDir())
	sb := &config.SandboxConfig{Name: "web"}

	first, err := router.Sink(sb)
	if err != nil {
		t.Fatal(err)
	}
	second, err := router.Sink(sb)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same sandbox must share one sink")
	}
}

func TestSinkDiscard(t *testing.T) {
	router := NewLogRouter(t.TempDir())
	defer router.CloseAll()

	sink, err := router.Sink(&config.SandboxConfig{Name: "web", DiscardLog: true})
	if err != nil {
		t.Fatal(err)
	}
	if sink.Name() != os.DevNull {
		t.Errorf("discard sink = %s, want %s", sink.Name(), os.DevNull)
	}
}

func TestSinkLogFileOverride(t *testing.T) {
	dir := t.TempDir()
	router := NewLogRouter(dir)
	defer router.CloseAll()

	override := filepath.Join(dir, "custom.log")
	sink, err := router.Sink(&config.SandboxConfig{Name: "web", LogFile: override})
	if err != nil {
		t.Fatal(err)
	}
	if sink.Name() != override {
		t.Errorf("sink path = %s, want %s", sink.Name(), override)
	}
}
