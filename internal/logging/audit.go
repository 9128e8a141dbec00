// Package logging provides audit logging: an append-only record of
// security- and privacy-relevant events plus data-subject actions.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names the action verb recorded on an audit entry.
type AuditEventType string

const (
	// Shard lifecycle (C3/C7)
	AuditShardCreated   AuditEventType = "shard_created"
	AuditShardRemoved   AuditEventType = "shard_removed"
	AuditShardHealth    AuditEventType = "shard_health_changed"
	AuditMigrationStart AuditEventType = "migration_started"
	AuditMigrationDone  AuditEventType = "migration_completed"
	AuditRebalanceStart AuditEventType = "rebalance_started"
	AuditRebalanceDone  AuditEventType = "rebalance_completed"

	// Data protection (C5)
	AuditClassified       AuditEventType = "field_classified"
	AuditAccessClassified AuditEventType = "classified_accessed"
	AuditPrivacyChanged   AuditEventType = "privacy_setting_changed"
	AuditConsentChanged   AuditEventType = "consent_changed"
	AuditDSRCreated       AuditEventType = "dsr_created"
	AuditDSRTransition    AuditEventType = "dsr_transitioned"

	// Encryption (C4)
	AuditEncryptOK          AuditEventType = "encrypt"
	AuditDecryptOK          AuditEventType = "decrypt"
	AuditIntegrityViolation AuditEventType = "integrity_violation"
	AuditPassphraseChanged  AuditEventType = "passphrase_changed"

	// Repository (C6)
	AuditPersonaCreated  AuditEventType = "persona_created"
	AuditPersonaActived  AuditEventType = "persona_activated"
	AuditPersonaDeleted  AuditEventType = "persona_deleted"
	AuditMemoryCreated   AuditEventType = "memory_created"
	AuditMemoryDeleted   AuditEventType = "memory_deleted"
)

// Severity classifies how serious an audit entry is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditEntry is an immutable record of a security- or privacy-relevant event.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Action    AuditEventType         `json:"action"`
	Actor     string                 `json:"actor"`
	Resource  string                 `json:"resource"`
	Outcome   Outcome                `json:"outcome"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// =============================================================================
// AUDIT LOGGER: bounded ring buffer + append-only disk log
// =============================================================================

const (
	auditBufferCap    = 1000
	auditBufferRetain = 500
)

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditBuf    []AuditEntry
	auditLogger *AuditLogger
)

// AuditLogger appends entries to the bounded in-memory buffer and, when
// debug mode is active, to a sibling append-only JSON-lines file under
// logsDir.
type AuditLogger struct{}

// InitAudit opens the on-disk audit log. It is a no-op when debug mode is
// disabled; the in-memory ring buffer is always active regardless.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the on-disk audit log. The in-memory buffer survives.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// Log appends an audit entry to the bounded buffer and, if open, the disk log.
func (a *AuditLogger) Log(action AuditEventType, actor, resource string, outcome Outcome, severity Severity, details map[string]interface{}) AuditEntry {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Action:    action,
		Actor:     actor,
		Resource:  resource,
		Outcome:   outcome,
		Severity:  severity,
		Details:   details,
	}

	auditMu.Lock()
	auditBuf = append(auditBuf, entry)
	if len(auditBuf) > auditBufferCap {
		// Decimate: keep only the most recent auditBufferRetain entries.
		trimmed := make([]AuditEntry, auditBufferRetain)
		copy(trimmed, auditBuf[len(auditBuf)-auditBufferRetain:])
		auditBuf = trimmed
	}
	file := auditFile
	auditMu.Unlock()

	if file != nil {
		if data, err := json.Marshal(entry); err == nil {
			auditMu.Lock()
			file.WriteString(string(data) + "\n")
			auditMu.Unlock()
		}
	}

	lvl := Get(CategoryAudit)
	if severity == SeverityHigh || severity == SeverityCritical {
		lvl.Warn("audit: %s actor=%s resource=%s outcome=%s severity=%s", action, actor, resource, outcome, severity)
	} else {
		lvl.Info("audit: %s actor=%s resource=%s outcome=%s", action, actor, resource, outcome)
	}

	return entry
}

// Tail returns a snapshot of the in-memory audit buffer, most recent last.
func (a *AuditLogger) Tail() []AuditEntry {
	auditMu.Lock()
	defer auditMu.Unlock()
	out := make([]AuditEntry, len(auditBuf))
	copy(out, auditBuf)
	return out
}

// resetAuditBuffer clears the in-memory buffer. Test-only.
func resetAuditBuffer() {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditBuf = nil
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// ShardCreated logs a shard coming into existence.
func (a *AuditLogger) ShardCreated(shardID string) AuditEntry {
	return a.Log(AuditShardCreated, "shardmgr", shardID, OutcomeSuccess, SeverityInfo, nil)
}

// ShardRemoved logs a shard being decommissioned.
func (a *AuditLogger) ShardRemoved(shardID string) AuditEntry {
	return a.Log(AuditShardRemoved, "shardmgr", shardID, OutcomeSuccess, SeverityInfo, nil)
}

// ShardHealthChanged logs a health-check-driven status transition.
func (a *AuditLogger) ShardHealthChanged(shardID, from, to string) AuditEntry {
	return a.Log(AuditShardHealth, "shardmgr", shardID, OutcomeSuccess, SeverityInfo, map[string]interface{}{"from": from, "to": to})
}

// MigrationStarted logs the beginning of a cross-shard migration.
func (a *AuditLogger) MigrationStarted(plan string) AuditEntry {
	return a.Log(AuditMigrationStart, "shardmgr", plan, OutcomeSuccess, SeverityInfo, nil)
}

// MigrationCompleted logs the end of a cross-shard migration, success or partial.
func (a *AuditLogger) MigrationCompleted(plan string, partial bool) AuditEntry {
	outcome := OutcomeSuccess
	sev := SeverityInfo
	if partial {
		outcome = OutcomeFailure
		sev = SeverityHigh
	}
	return a.Log(AuditMigrationDone, "shardmgr", plan, outcome, sev, map[string]interface{}{"partial": partial})
}

// FieldClassified logs a classification decision for a value written through C5.
func (a *AuditLogger) FieldClassified(actor, field, classification string) AuditEntry {
	return a.Log(AuditClassified, actor, field, OutcomeSuccess, SeverityInfo, map[string]interface{}{"classification": classification})
}

// ClassifiedAccessed logs a read of a classified value.
func (a *AuditLogger) ClassifiedAccessed(actor, field string, allowed bool) AuditEntry {
	outcome := OutcomeSuccess
	if !allowed {
		outcome = OutcomeFailure
	}
	return a.Log(AuditAccessClassified, actor, field, outcome, SeverityInfo, nil)
}

// PrivacySettingChanged logs a toggle of a persona's privacy consent switches.
func (a *AuditLogger) PrivacySettingChanged(actor, personaID, setting string, value bool) AuditEntry {
	return a.Log(AuditPrivacyChanged, actor, personaID, OutcomeSuccess, SeverityInfo, map[string]interface{}{"setting": setting, "value": value})
}

// DataSubjectRequestTransition logs a data-subject request changing state.
func (a *AuditLogger) DataSubjectRequestTransition(requestID, from, to string) AuditEntry {
	return a.Log(AuditDSRTransition, "data-subject", requestID, OutcomeSuccess, SeverityInfo, map[string]interface{}{"from": from, "to": to})
}

// IntegrityViolation logs an AEAD authentication failure. Always critical severity.
func (a *AuditLogger) IntegrityViolation(actor, resource string) AuditEntry {
	return a.Log(AuditIntegrityViolation, actor, resource, OutcomeFailure, SeverityCritical, nil)
}

// PassphraseChanged logs a successful master-key passphrase rotation.
func (a *AuditLogger) PassphraseChanged(actor string) AuditEntry {
	return a.Log(AuditPassphraseChanged, actor, "master-key", OutcomeSuccess, SeverityHigh, nil)
}

// PersonaCreated logs persona creation.
func (a *AuditLogger) PersonaCreated(personaID, shardID string) AuditEntry {
	return a.Log(AuditPersonaCreated, "repo", personaID, OutcomeSuccess, SeverityInfo, map[string]interface{}{"shard": shardID})
}

// PersonaDeleted logs persona deletion.
func (a *AuditLogger) PersonaDeleted(personaID string) AuditEntry {
	return a.Log(AuditPersonaDeleted, "repo", personaID, OutcomeSuccess, SeverityInfo, nil)
}

// MemoryCreated logs memory entity creation.
func (a *AuditLogger) MemoryCreated(memoryID, personaID, shardID string) AuditEntry {
	return a.Log(AuditMemoryCreated, "repo", memoryID, OutcomeSuccess, SeverityInfo, map[string]interface{}{"persona": personaID, "shard": shardID})
}

// MemoryDeleted logs a memory entity's soft deletion.
func (a *AuditLogger) MemoryDeleted(memoryID string) AuditEntry {
	return a.Log(AuditMemoryDeleted, "repo", memoryID, OutcomeSuccess, SeverityInfo, nil)
}
