package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".vibewidget")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryBus,
		CategorySandbox,
		CategoryAudit,
		CategoryLLM,
		CategoryConfig,
	}

	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	logsDirPath := filepath.Join(tempDir, ".vibewidget", "logs")
	entries, err := os.ReadDir(logsDirPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("No log file created for category %s", cat)
		}
	}
}

// TestProductionModeNoLogs tests that no logs are written when debug_mode is false
func TestProductionModeNoLogs(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `{"logging": {"debug_mode": false}}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled")
	}

	Bus("this should not be written")
	SandboxError("neither should this")

	logsDirPath := filepath.Join(tempDir, ".vibewidget", "logs")
	if _, err := os.Stat(logsDirPath); !os.IsNotExist(err) {
		t.Error("Logs directory should not exist in production mode")
	}
}

// TestMissingConfigDefaultsToProduction tests behavior without a config file
func TestMissingConfigDefaultsToProduction(t *testing.T) {
	tempDir := t.TempDir()

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize should not fail without config: %v", err)
	}
	if IsDebugMode() {
		t.Error("Missing config should default to production mode")
	}
}

// TestCategoryFilter tests that disabled categories are no-ops
func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"bus": true,
				"sandbox": false
			}
		}
	}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategoryBus) {
		t.Error("bus category should be enabled")
	}
	if IsCategoryEnabled(CategorySandbox) {
		t.Error("sandbox category should be disabled")
	}
	// Unspecified categories are enabled by default in debug mode
	if !IsCategoryEnabled(CategoryAudit) {
		t.Error("unspecified category should default to enabled")
	}
}

// TestJSONFormat tests structured JSON output
func TestJSONFormat(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"json_format": true
		}
	}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Get(CategorySandbox).Info("compile attempt")
	CloseAll()

	logsDirPath := filepath.Join(tempDir, ".vibewidget", "logs")
	entries, err := os.ReadDir(logsDirPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, e := range entries {
		if strings.Contains(e.Name(), "sandbox") {
			data, err := os.ReadFile(filepath.Join(logsDirPath, e.Name()))
			if err != nil {
				t.Fatalf("Failed to read log file: %v", err)
			}
			if !strings.Contains(string(data), `"msg":"compile attempt"`) {
				t.Errorf("Expected JSON entry in log, got: %s", data)
			}
			return
		}
	}
	t.Error("No sandbox log file found")
}
