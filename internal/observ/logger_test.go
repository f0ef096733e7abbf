package observ

import "testing"

func TestNewLogger(t *testing.T) {
	tests := []struct {
		env   string
		level string
	}{
		{"production", "warn"},
		{"development", "debug"},
		{"development", "not-a-level"},
	}

	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.env, tt.level)
			if err != nil {
				t.Fatalf("NewLogger() error: %v", err)
			}
			if logger == nil {
				t.Fatal("expected logger")
			}
		})
	}
}

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "bogus")
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled when level falls back to info")
	}
	if !logger.Core().Enabled(0) {
		t.Error("info should be enabled")
	}
}
