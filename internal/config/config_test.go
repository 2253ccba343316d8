package config

import "testing"

func TestLoad_AllVarsSet(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("ANTHROPIC_MODEL", "claude-opus-4")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "4096")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_WORKERS", "4")
	t.Setenv("TASK_TIMEOUT", "45")
	t.Setenv("LLM_TIMEOUT", "10")
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("RETRY_DELAY", "3")
	t.Setenv("MAX_INPUT_LENGTH", "20000")
	t.Setenv("MAX_OUTPUT_LENGTH", "10000")
	t.Setenv("OUTPUT_DIR", "/tmp/out")
	t.Setenv("PROMPTS_DIR", "/tmp/prompts")
	t.Setenv("CONVERSATIONS_DB_PATH", "/tmp/conv.db")
	t.Setenv("USER_PROMPTS_PATH", "/tmp/user_prompts.json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, "127.0.0.1:9090")
	}
	if cfg.AnthropicModel != "claude-opus-4" {
		t.Errorf("AnthropicModel = %q", cfg.AnthropicModel)
	}
	if cfg.AnthropicMaxTokens != 4096 {
		t.Errorf("AnthropicMaxTokens = %d, want 4096", cfg.AnthropicMaxTokens)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", cfg.MaxWorkers)
	}
	if cfg.TaskTimeout.Minutes() != 45 {
		t.Errorf("TaskTimeout = %v, want 45m", cfg.TaskTimeout)
	}
	if cfg.LLMTimeout.Minutes() != 10 {
		t.Errorf("LLMTimeout = %v, want 10m", cfg.LLMTimeout)
	}
	if cfg.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.RetryAttempts)
	}
	if cfg.RetryDelay.Seconds() != 3 {
		t.Errorf("RetryDelay = %v, want 3s", cfg.RetryDelay)
	}
	if cfg.MaxInputLength != 20000 {
		t.Errorf("MaxInputLength = %d, want 20000", cfg.MaxInputLength)
	}
	if cfg.MaxOutputLength != 10000 {
		t.Errorf("MaxOutputLength = %d, want 10000", cfg.MaxOutputLength)
	}
	if cfg.OutputDir != "/tmp/out" {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.ConversationsDBPath != "/tmp/conv.db" {
		t.Errorf("ConversationsDBPath = %q", cfg.ConversationsDBPath)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ANTHROPIC_API_KEY is empty, got nil")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("PORT", "70000")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for out-of-range port, got nil")
	}
}

func TestLoad_InvalidInteger(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("MAX_WORKERS", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for non-numeric MAX_WORKERS, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	for _, k := range []string{
		"ANTHROPIC_MODEL", "ANTHROPIC_MAX_TOKENS", "HOST", "PORT",
		"MAX_WORKERS", "TASK_TIMEOUT", "LLM_TIMEOUT", "RETRY_ATTEMPTS", "RETRY_DELAY",
		"MAX_INPUT_LENGTH", "MAX_OUTPUT_LENGTH", "OUTPUT_DIR", "PROMPTS_DIR",
		"CONVERSATIONS_DB_PATH", "USER_PROMPTS_PATH",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.Port != 8081 {
		t.Errorf("default Port = %d, want 8081", cfg.Port)
	}
	if cfg.MaxWorkers != 3 {
		t.Errorf("default MaxWorkers = %d, want 3", cfg.MaxWorkers)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("default RetryAttempts = %d, want 3", cfg.RetryAttempts)
	}
	if cfg.OutputDir != "output" {
		t.Errorf("default OutputDir = %q, want %q", cfg.OutputDir, "output")
	}
}
