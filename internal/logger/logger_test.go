package logger

import (
	"testing"
)

// TestNew tests logger creation with various configurations
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config uses defaults",
			config:  nil,
			wantErr: false,
		},
		{
			name:    "json format",
			config:  &Config{Level: "info", Format: "json"},
			wantErr: false,
		},
		{
			name:    "console format",
			config:  &Config{Level: "debug", Format: "console"},
			wantErr: false,
		},
		{
			name:    "invalid level",
			config:  &Config{Level: "verbose"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if logger == nil {
					t.Fatal("New() returned nil logger")
				}
				logger.Info("test message")
			}
		})
	}
}

// TestNewDevelopment tests development logger creation
func TestNewDevelopment(t *testing.T) {
	logger, err := NewDevelopment()
	if err != nil {
		t.Fatalf("NewDevelopment() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewDevelopment() returned nil logger")
	}
	logger.Debug("test message")
}

// TestWithComponent tests component tagging
func TestWithComponent(t *testing.T) {
	base, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tagged := WithComponent(base, "indexer")
	if tagged == nil {
		t.Fatal("WithComponent() returned nil logger")
	}
	if tagged == base {
		t.Error("WithComponent() should return a derived logger")
	}
}
