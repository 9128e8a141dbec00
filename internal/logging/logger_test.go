package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	appDataPath = ""
	config = loggingConfig{}
	auditLogger = nil
}

// TestAllCategoriesLog tests that all categories create log files when debug mode is true.
func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()

	categories := []Category{
		CategoryBoot,
		CategoryPerformance,
		CategoryRouter,
		CategoryPool,
		CategoryShardMgr,
		CategoryCrypto,
		CategoryPrivacy,
		CategoryRepo,
		CategoryShardSvc,
		CategoryAudit,
		CategoryEmbedding,
		CategoryConfig,
	}
	enabled := make(map[string]bool, len(categories))
	for _, cat := range categories {
		enabled[string(cat)] = true
	}

	if err := Initialize(tempDir, true, "debug", enabled, false); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}

		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Convenience functions
	Boot("Convenience boot log")
	Router("Convenience router log")
	Pool("Convenience pool log")
	ShardMgr("Convenience shardmgr log")
	Crypto("Convenience crypto log")
	Privacy("Convenience privacy log")
	Repo("Convenience repo log")
	ShardSvc("Convenience shardsvc log")
	AuditLog("Convenience audit log")
	Embedding("Convenience embedding log")
	ConfigLog("Convenience config log")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	t.Logf("Created %d log files in %s", len(entries), logsPath)

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug mode is false.
func TestDebugModeDisabled(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_disabled")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()

	categories := map[string]bool{
		"boot":     true,
		"shardmgr": true,
	}

	if err := Initialize(tempDir, false, "debug", categories, false); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be DISABLED (production mode)")
	}

	for _, cat := range []Category{CategoryBoot, CategoryShardMgr, CategoryPrivacy} {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when debug mode is off", cat)
		}
	}

	Boot("This should NOT be logged")
	ShardMgr("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	_, err = os.Stat(logsPath)
	if err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files in production mode, but found %d files", len(entries))
		}
	} else if !os.IsNotExist(err) {
		t.Fatalf("unexpected error stat'ing logs dir: %v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable.
func TestCategoryToggle(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_category")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()

	categories := map[string]bool{
		"boot":    true,
		"router":  true,
		"pool":    false,
		"privacy": false,
	}

	if err := Initialize(tempDir, true, "debug", categories, false); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryRouter) {
		t.Error("router should be enabled")
	}
	if IsCategoryEnabled(CategoryPool) {
		t.Error("pool should be DISABLED")
	}
	if IsCategoryEnabled(CategoryPrivacy) {
		t.Error("privacy should be DISABLED")
	}
	// Category not mentioned in config defaults to enabled when debug mode is on.
	if !IsCategoryEnabled(CategoryRepo) {
		t.Error("repo (not in config) should default to enabled")
	}

	Boot("This SHOULD be logged")
	Router("This SHOULD be logged")
	Pool("This should NOT be logged")
	Privacy("This should NOT be logged")
	Repo("This SHOULD be logged (default enabled)")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	entries, _ := os.ReadDir(logsPath)

	var hasBoot, hasRouter, hasPool, hasPrivacy bool
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.Contains(name, "boot"):
			hasBoot = true
		case strings.Contains(name, "router"):
			hasRouter = true
		case strings.Contains(name, "pool"):
			hasPool = true
		case strings.Contains(name, "privacy"):
			hasPrivacy = true
		}
	}

	if !hasBoot {
		t.Error("Expected boot log file")
	}
	if !hasRouter {
		t.Error("Expected router log file")
	}
	if hasPool {
		t.Error("Should NOT have pool log file (disabled)")
	}
	if hasPrivacy {
		t.Error("Should NOT have privacy log file (disabled)")
	}
}

// TestTimerLogging tests the timing helper.
func TestTimerLogging(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_timer")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, true, "debug", nil, false); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryShardMgr, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
	CloseAudit()
}
