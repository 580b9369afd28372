package dlog

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func withCapturedLog(t *testing.T, fn func(buf *bytes.Buffer)) {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(origFlags)
	}()
	fn(&buf)
}

func TestPrintfDoesNothingWhenDisabled(t *testing.T) {
	Enabled = false
	withCapturedLog(t, func(buf *bytes.Buffer) {
		Printf("hello %d", 1)
		if buf.Len() != 0 {
			t.Fatalf("Printf wrote %q while Enabled=false, want nothing", buf.String())
		}
	})
}

func TestPrintfWritesWhenEnabled(t *testing.T) {
	Enabled = true
	defer func() { Enabled = false }()
	withCapturedLog(t, func(buf *bytes.Buffer) {
		Printf("hello %d", 1)
		if !strings.Contains(buf.String(), "hello 1") {
			t.Fatalf("Printf output = %q, want it to contain \"hello 1\"", buf.String())
		}
	})
}

func TestReplicaPrintfPrefixesReplicaID(t *testing.T) {
	Enabled = true
	defer func() { Enabled = false }()
	withCapturedLog(t, func(buf *bytes.Buffer) {
		ReplicaPrintf(3, "tick %d", 7)
		got := buf.String()
		if !strings.Contains(got, "replica 3") || !strings.Contains(got, "tick 7") {
			t.Fatalf("ReplicaPrintf output = %q, want it to contain \"replica 3\" and \"tick 7\"", got)
		}
	})
}

func TestReplicaPrintfDoesNothingWhenDisabled(t *testing.T) {
	Enabled = false
	withCapturedLog(t, func(buf *bytes.Buffer) {
		ReplicaPrintf(3, "tick %d", 7)
		if buf.Len() != 0 {
			t.Fatalf("ReplicaPrintf wrote %q while Enabled=false, want nothing", buf.String())
		}
	})
}
