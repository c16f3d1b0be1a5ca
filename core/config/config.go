// Package config loads process configuration for the agent CLI.
//
// Flag/env wiring goes through spf13/viper so cmd/agent's cobra flags
// and DESKAGENT_* environment variables populate the same struct without
// a second parsing pass.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all process configuration.
type Config struct {
	Env string // development | production

	// RootDir is the configurable path root under which the persisted
	// state layout (knowledge_base/, planning/, prompts/, learning/,
	// cost_reports/, logs/, runs/) is created.
	RootDir string

	LLM    LLMConfig
	Vector VectorConfig
	Tool   ToolConfig
	HITL   HITLConfig
	OTel   OTelConfig
}

// LLMConfig configures the single LLM provider used by the Planner,
// the resolver, and the Recovery Synthesizer.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// VectorConfig configures the vector index backend.
type VectorConfig struct {
	Host       string
	APIKey     string
	Collection string
}

// ToolConfig configures the connection to the GUI-automation tool server.
type ToolConfig struct {
	// Command is the long-lived subprocess command line for the tool server.
	Command []string
}

// HITLConfig configures human-observer behavior.
type HITLConfig struct {
	Enabled bool

	// ApprovalTimeout is the soft timeout for a low-confidence approval
	// rendezvous; on expiry the request defaults to approve.
	ApprovalTimeout time.Duration

	// VerificationTimeout is the soft timeout for end-of-run verification.
	VerificationTimeout time.Duration

	// TimeoutAsFailure flips the verification timeout default from
	// "success" to "failed" for headless environments (see design notes).
	TimeoutAsFailure bool
}

// OTelConfig configures optional OpenTelemetry export.
type OTelConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Headers        string
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// KnowledgeCatalogPath is knowledge_base/parsed_knowledge/knowledge_catalog.json.
func (c Config) KnowledgeCatalogPath() string {
	return filepath.Join(c.RootDir, "knowledge_base", "parsed_knowledge", "knowledge_catalog.json")
}

// VectorStoreDir is knowledge_base/vector_store/.
func (c Config) VectorStoreDir() string {
	return filepath.Join(c.RootDir, "knowledge_base", "vector_store")
}

// PlansDir is planning/plans/.
func (c Config) PlansDir() string {
	return filepath.Join(c.RootDir, "planning", "plans")
}

// PromptHistoryDir is prompts/planning_history/.
func (c Config) PromptHistoryDir() string {
	return filepath.Join(c.RootDir, "prompts", "planning_history")
}

// SkillsDir is learning/verified_skills/.
func (c Config) SkillsDir() string {
	return filepath.Join(c.RootDir, "learning", "verified_skills")
}

// CostReportsDir is cost_reports/.
func (c Config) CostReportsDir() string {
	return filepath.Join(c.RootDir, "cost_reports")
}

// RunLogDir is runs/.
func (c Config) RunLogDir() string {
	return filepath.Join(c.RootDir, "runs")
}

// Load builds configuration from viper, which has already been bound to
// cobra flags and DESKAGENT_* environment variables by cmd/agent. A .env
// file in the working directory, if present, is loaded into the process
// environment first so local development never needs exported vars.
func Load(v *viper.Viper) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:     v.GetString("env"),
		RootDir: v.GetString("root-dir"),
		LLM: LLMConfig{
			APIKey:  v.GetString("llm-api-key"),
			BaseURL: v.GetString("llm-base-url"),
			Model:   v.GetString("llm-model"),
		},
		Vector: VectorConfig{
			Host:       v.GetString("vector-host"),
			APIKey:     v.GetString("vector-api-key"),
			Collection: v.GetString("vector-collection"),
		},
		Tool: ToolConfig{
			Command: splitCommand(v.GetString("tool-command")),
		},
		HITL: HITLConfig{
			Enabled:             v.GetBool("interactive"),
			ApprovalTimeout:     v.GetDuration("approval-timeout"),
			VerificationTimeout: v.GetDuration("verification-timeout"),
			TimeoutAsFailure:    v.GetBool("timeout-as-failure"),
		},
		OTel: OTelConfig{
			Endpoint:       v.GetString("otel-endpoint"),
			ServiceName:    v.GetString("otel-service-name"),
			ServiceVersion: v.GetString("otel-service-version"),
			Headers:        v.GetString("otel-headers"),
		},
	}

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("config: llm API key is required")
	}
	if cfg.RootDir == "" {
		return Config{}, fmt.Errorf("config: root dir is required")
	}

	return cfg, nil
}

func splitCommand(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
