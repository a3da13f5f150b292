package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BACKEND", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRequiresMasterKey(t *testing.T) {
	cfg := NewTestConfig()
	cfg.APIKeyRequired = true
	cfg.MasterAPIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error when API_KEY_REQUIRED set without MASTER_API_KEY")
	}
}

func TestValidateRejectsBadStorageBackend(t *testing.T) {
	cfg := NewTestConfig()
	cfg.StorageBackend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for unsupported backend")
	}
}

func TestRuntimeSettersAreThreadSafe(t *testing.T) {
	cfg := NewTestConfig()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			cfg.SetHeartbeatInterval(cfg.HeartbeatInterval())
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = cfg.HeartbeatTimeout()
	}
	<-done
}

func TestValuesRedactsMasterKey(t *testing.T) {
	cfg := NewTestConfig()
	cfg.MasterAPIKey = "s3cr3t"
	v := cfg.Values()
	if v["MASTER_API_KEY"] != "(set)" {
		t.Errorf("MASTER_API_KEY = %q, want redacted", v["MASTER_API_KEY"])
	}
}
