// Package privacy implements the Data Protection Manager (C5): field
// classification and protection, data-subject request lifecycle, privacy
// settings, compliance reporting, and the audit trail accessor.
package privacy

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shardvault/internal/crypto"
	"shardvault/internal/logging"
	"shardvault/internal/model"
)

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b\d{16}\b`)
	phonePattern = regexp.MustCompile(`\(\d{3}\) \d{3}-\d{4}`)
)

var confidentialKeywords = []string{
	"password", "secret", "key", "token", "credential",
	"confidential", "private", "sensitive", "restricted",
}

// Manager enforces classification rules, routes protected fields through
// an encryption service, and tracks data-subject requests and their
// audit trail.
type Manager struct {
	crypto *crypto.Service

	mu    sync.RWMutex
	rules map[string]model.ClassificationRule

	requestsMu sync.Mutex
	requests   map[string]*model.DataSubjectRequest
}

// NewManager constructs a Manager. svc may be nil-backed only in tests
// that never call ClassifyAndProtect with an encryption-required rule.
func NewManager(svc *crypto.Service) *Manager {
	return &Manager{
		crypto:   svc,
		rules:    make(map[string]model.ClassificationRule),
		requests: make(map[string]*model.DataSubjectRequest),
	}
}

// RegisterRule installs an explicit classification rule for a field
// name, taking precedence over auto-classification.
func (m *Manager) RegisterRule(field string, rule model.ClassificationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[field] = rule
}

// Classify resolves the effective rule for a field: an explicit
// registered rule wins; otherwise the value and context are inspected
// against the auto-classification heuristics in order.
func (m *Manager) Classify(field string, value []byte, context string) model.ClassificationRule {
	m.mu.RLock()
	rule, ok := m.rules[field]
	m.mu.RUnlock()
	if ok {
		return rule
	}
	return autoClassify(value, context)
}

func autoClassify(value []byte, context string) model.ClassificationRule {
	s := string(value)
	switch {
	case ssnPattern.MatchString(s), emailPattern.MatchString(s), cardPattern.MatchString(s), phonePattern.MatchString(s):
		return model.ClassificationRule{Classification: model.ClassRestricted, EncryptionRequired: true}
	case containsKeyword(strings.ToLower(s), confidentialKeywords):
		return model.ClassificationRule{Classification: model.ClassConfidential, EncryptionRequired: true}
	case strings.Contains(strings.ToLower(context), "internal"), strings.Contains(strings.ToLower(context), "private"):
		return model.ClassificationRule{Classification: model.ClassInternal}
	default:
		return model.ClassificationRule{Classification: model.ClassPublic}
	}
}

func containsKeyword(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// ClassifyAndProtect classifies value for field, and if the effective
// rule requires encryption and the classification is not public, wraps
// it via the encryption service. The returned record's Encrypted flag is
// the storage layer's cue to stamp the companion `_<field>_encrypted`
// marker; value is the caller's already-serialized column payload
// (typically JSON), matching how a SQL column is stored.
func (m *Manager) ClassifyAndProtect(field string, value []byte, context, source string) (model.ClassifiedRecord, error) {
	rule := m.Classify(field, value, context)

	if !rule.EncryptionRequired || rule.Classification == model.ClassPublic {
		logging.Audit().FieldClassified(source, field, string(rule.Classification))
		return model.ClassifiedRecord{
			Field:          field,
			Classification: rule.Classification,
			Encrypted:      false,
			Value:          value,
		}, nil
	}

	rec, err := m.crypto.Encrypt(value)
	if err != nil {
		return model.ClassifiedRecord{}, err
	}

	logging.Audit().FieldClassified(source, field, string(rule.Classification))
	return model.ClassifiedRecord{
		Field:          field,
		Classification: rule.Classification,
		Encrypted:      true,
		Record:         &rec,
	}, nil
}

// AccessClassified returns the plaintext payload of a classified
// record, decrypting if the record was protected, and audits the
// access.
func (m *Manager) AccessClassified(rec model.ClassifiedRecord, accessor string) ([]byte, error) {
	if !rec.Encrypted {
		logging.Audit().ClassifiedAccessed(accessor, rec.Field, true)
		if b, ok := rec.Value.([]byte); ok {
			return b, nil
		}
		return nil, nil
	}

	plaintext, err := m.crypto.Decrypt(*rec.Record)
	if err != nil {
		logging.Audit().ClassifiedAccessed(accessor, rec.Field, false)
		return nil, err
	}
	logging.Audit().ClassifiedAccessed(accessor, rec.Field, true)
	return plaintext, nil
}

// SubmitDataSubjectRequest creates a pending request.
func (m *Manager) SubmitDataSubjectRequest(subjectID string, t model.DataSubjectRequestType) model.DataSubjectRequest {
	req := &model.DataSubjectRequest{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		Type:        t,
		Status:      model.DSRPending,
		SubmittedAt: time.Now().UnixMilli(),
	}
	m.requestsMu.Lock()
	m.requests[req.ID] = req
	m.requestsMu.Unlock()

	logging.Audit().DataSubjectRequestTransition(req.ID, "", string(model.DSRPending))
	return *req
}

// StartProcessing transitions a request from pending to in_progress.
func (m *Manager) StartProcessing(requestID string) (model.DataSubjectRequest, error) {
	return m.transition(requestID, model.DSRInProgress, func(r *model.DataSubjectRequest) error {
		if r.Status != model.DSRPending {
			return model.New(model.ValidationError, "request is not pending")
		}
		r.StartedAt = time.Now().UnixMilli()
		return nil
	})
}

// CompleteRequest transitions an in_progress request to completed.
func (m *Manager) CompleteRequest(requestID string) (model.DataSubjectRequest, error) {
	return m.transition(requestID, model.DSRCompleted, func(r *model.DataSubjectRequest) error {
		if r.Status != model.DSRInProgress {
			return model.New(model.ValidationError, "request is not in progress")
		}
		r.CompletedAt = time.Now().UnixMilli()
		return nil
	})
}

// DenyRequest transitions an in_progress request to denied with a reason.
func (m *Manager) DenyRequest(requestID, reason string) (model.DataSubjectRequest, error) {
	return m.transition(requestID, model.DSRDenied, func(r *model.DataSubjectRequest) error {
		if r.Status != model.DSRInProgress {
			return model.New(model.ValidationError, "request is not in progress")
		}
		r.CompletedAt = time.Now().UnixMilli()
		r.Reason = reason
		return nil
	})
}

func (m *Manager) transition(requestID string, to model.DataSubjectRequestStatus, mutate func(*model.DataSubjectRequest) error) (model.DataSubjectRequest, error) {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return model.DataSubjectRequest{}, model.New(model.ValidationError, "unknown data subject request id")
	}
	from := req.Status
	if err := mutate(req); err != nil {
		return model.DataSubjectRequest{}, err
	}
	req.Status = to

	logging.Audit().DataSubjectRequestTransition(requestID, string(from), string(to))
	return *req, nil
}

// GetRequest looks up a request by id.
func (m *Manager) GetRequest(requestID string) (model.DataSubjectRequest, bool) {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return model.DataSubjectRequest{}, false
	}
	return *req, true
}

// RequestCount reports the number of data-subject requests tracked,
// used to populate ComplianceReport.
func (m *Manager) RequestCount() int {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	return len(m.requests)
}

// ApplyPrivacySettings returns desired with ConsentTimestamp refreshed
// when the change touches DataCollection or PersonalDataProcessing.
func ApplyPrivacySettings(current, desired model.PrivacySettings, actor, personaID string) model.PrivacySettings {
	if desired.DataCollection != current.DataCollection {
		logging.Audit().PrivacySettingChanged(actor, personaID, "dataCollection", desired.DataCollection)
	}
	if desired.PersonalDataProcessing != current.PersonalDataProcessing {
		logging.Audit().PrivacySettingChanged(actor, personaID, "personalDataProcessing", desired.PersonalDataProcessing)
	}
	if desired.DataCollection != current.DataCollection || desired.PersonalDataProcessing != current.PersonalDataProcessing {
		now := time.Now()
		desired.ConsentTimestamp = &now
	} else {
		desired.ConsentTimestamp = current.ConsentTimestamp
	}
	return desired
}

// ComplianceReport summarizes current posture. dataSubjects is the
// caller-supplied count of distinct subjects (personas); settings is
// consulted for consent compliance.
func (m *Manager) ComplianceReport(dataSubjects int, settings model.PrivacySettings) model.ComplianceReport {
	return model.ComplianceReport{
		ID:                   uuid.NewString(),
		GeneratedAt:          time.Now().UnixMilli(),
		DataSubjects:         dataSubjects,
		Requests:             m.RequestCount(),
		RetentionCompliance:  true,
		EncryptionCompliance: m.crypto != nil && m.crypto.Available(),
		ConsentCompliance:    settings.ConsentTimestamp != nil && settings.PersonalDataProcessing,
	}
}

// AuditTrail returns the bounded in-memory audit tail.
func (m *Manager) AuditTrail() []logging.AuditEntry {
	return logging.Audit().Tail()
}
