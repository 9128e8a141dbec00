package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditBufferBounded(t *testing.T) {
	resetState()
	resetAuditBuffer()

	a := Audit()
	for i := 0; i < auditBufferCap+50; i++ {
		a.ShardCreated("shard_00")
	}

	// The append that pushes the buffer past auditBufferCap trims it to
	// auditBufferRetain; the remaining 49 appends are kept on top of that.
	want := auditBufferRetain + 49
	tail := a.Tail()
	if len(tail) != want {
		t.Fatalf("expected buffer to hold %d entries after decimation, got %d", want, len(tail))
	}
}

func TestAuditDiskLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "audit_test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	resetAuditBuffer()

	if err := Initialize(tempDir, true, "debug", nil, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}

	entry := Audit().PersonaCreated("persona-1", "shard_00")
	if entry.Action != AuditPersonaCreated {
		t.Errorf("expected action %s, got %s", AuditPersonaCreated, entry.Action)
	}

	CloseAudit()
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_audit.jsonl") {
			found = true
			data, err := os.ReadFile(filepath.Join(tempDir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("read audit file: %v", err)
			}
			if !strings.Contains(string(data), "persona_created") {
				t.Errorf("audit log missing persona_created entry: %s", data)
			}
		}
	}
	if !found {
		t.Error("expected an audit jsonl file to be created")
	}
}

func TestIntegrityViolationIsCritical(t *testing.T) {
	resetState()
	resetAuditBuffer()

	entry := Audit().IntegrityViolation("crypto", "memory-1")
	if entry.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", entry.Severity)
	}
	if entry.Outcome != OutcomeFailure {
		t.Errorf("expected failure outcome, got %s", entry.Outcome)
	}
}
