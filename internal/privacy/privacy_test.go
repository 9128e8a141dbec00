package privacy

import (
	"testing"

	"shardvault/internal/config"
	"shardvault/internal/crypto"
	"shardvault/internal/keystore"
	"shardvault/internal/model"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.Open(dir)
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	svc := crypto.NewService(ks, config.DefaultConfig().Encryption)
	if err := svc.Initialize(dir, "test passphrase"); err != nil {
		t.Fatalf("crypto Initialize: %v", err)
	}
	return NewManager(svc)
}

func TestAutoClassifySSNIsRestricted(t *testing.T) {
	m := testManager(t)
	rule := m.Classify("note", []byte("ssn is 123-45-6789"), "")
	if rule.Classification != model.ClassRestricted {
		t.Errorf("expected restricted, got %s", rule.Classification)
	}
}

func TestAutoClassifyPasswordKeywordIsConfidential(t *testing.T) {
	m := testManager(t)
	rule := m.Classify("note", []byte("the password is hunter2"), "")
	if rule.Classification != model.ClassConfidential {
		t.Errorf("expected confidential, got %s", rule.Classification)
	}
}

func TestAutoClassifyInternalContext(t *testing.T) {
	m := testManager(t)
	rule := m.Classify("note", []byte("plain text"), "internal memo")
	if rule.Classification != model.ClassInternal {
		t.Errorf("expected internal, got %s", rule.Classification)
	}
}

func TestAutoClassifyDefaultIsPublic(t *testing.T) {
	m := testManager(t)
	rule := m.Classify("note", []byte("nothing notable here"), "")
	if rule.Classification != model.ClassPublic {
		t.Errorf("expected public, got %s", rule.Classification)
	}
}

func TestClassifyAndProtectRoundTrip(t *testing.T) {
	m := testManager(t)
	m.RegisterRule("personas.personality", model.ClassificationRule{
		Classification:     model.ClassConfidential,
		EncryptionRequired: true,
	})

	original := []byte(`{"temperament":"calm"}`)
	rec, err := m.ClassifyAndProtect("personas.personality", original, "", "tester")
	if err != nil {
		t.Fatalf("ClassifyAndProtect: %v", err)
	}
	if !rec.Encrypted {
		t.Fatal("expected record to be encrypted")
	}

	plaintext, err := m.AccessClassified(rec, "tester")
	if err != nil {
		t.Fatalf("AccessClassified: %v", err)
	}
	if string(plaintext) != string(original) {
		t.Errorf("round trip mismatch: got %q", plaintext)
	}
}

func TestClassifyAndProtectPublicPassesThrough(t *testing.T) {
	m := testManager(t)
	rec, err := m.ClassifyAndProtect("displayName", []byte("Alice"), "", "tester")
	if err != nil {
		t.Fatalf("ClassifyAndProtect: %v", err)
	}
	if rec.Encrypted {
		t.Fatal("expected public field to pass through unencrypted")
	}
	plaintext, err := m.AccessClassified(rec, "tester")
	if err != nil {
		t.Fatalf("AccessClassified: %v", err)
	}
	if string(plaintext) != "Alice" {
		t.Errorf("expected passthrough value, got %q", plaintext)
	}
}

func TestDataSubjectRequestLifecycle(t *testing.T) {
	m := testManager(t)
	req := m.SubmitDataSubjectRequest("subject-1", model.RequestAccess)
	if req.Status != model.DSRPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	req, err := m.StartProcessing(req.ID)
	if err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if req.Status != model.DSRInProgress {
		t.Fatalf("expected in_progress, got %s", req.Status)
	}

	req, err = m.CompleteRequest(req.ID)
	if err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}
	if req.Status != model.DSRCompleted {
		t.Fatalf("expected completed, got %s", req.Status)
	}
	if req.CompletedAt == 0 {
		t.Error("expected CompletedAt to be set")
	}
}

func TestDataSubjectRequestDenyRequiresInProgress(t *testing.T) {
	m := testManager(t)
	req := m.SubmitDataSubjectRequest("subject-1", model.RequestDeletion)

	_, err := m.DenyRequest(req.ID, "no grounds")
	if err == nil {
		t.Fatal("expected denial of a pending (not in_progress) request to fail")
	}
}

func TestApplyPrivacySettingsSetsConsentTimestampOnDataCollectionChange(t *testing.T) {
	current := model.PrivacySettings{}
	desired := current
	desired.DataCollection = true

	result := ApplyPrivacySettings(current, desired, "user", "persona-1")
	if result.ConsentTimestamp == nil {
		t.Fatal("expected consent timestamp to be set")
	}
}

func TestApplyPrivacySettingsLeavesConsentTimestampOnUnrelatedChange(t *testing.T) {
	current := model.PrivacySettings{}
	desired := current
	desired.Analytics = true

	result := ApplyPrivacySettings(current, desired, "user", "persona-1")
	if result.ConsentTimestamp != nil {
		t.Fatal("expected consent timestamp to remain unset for an unrelated change")
	}
}

func TestComplianceReportReflectsEncryptionAvailability(t *testing.T) {
	m := testManager(t)
	report := m.ComplianceReport(3, model.PrivacySettings{})
	if !report.EncryptionCompliance {
		t.Error("expected encryption compliance true when service is available")
	}
	if report.ConsentCompliance {
		t.Error("expected consent compliance false without a consent timestamp")
	}
}
