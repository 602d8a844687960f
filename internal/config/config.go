// Package config loads the verdict YAML/JSON configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/verdict/internal/pipeline/fanout"
)

type EvaluatorKind string

const (
	KindHTTP    EvaluatorKind = "http"
	KindCommand EvaluatorKind = "command"
)

type EvaluatorConfig struct {
	ID   string        `json:"id" yaml:"id"`
	Kind EvaluatorKind `json:"kind" yaml:"kind"`
	// Persona names a built-in system prompt; SystemPrompt overrides it.
	Persona      string `json:"persona,omitempty" yaml:"persona,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	Model       string            `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	APIKeyEnv   string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Temperature *float64          `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`

	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type File struct {
	Version int `json:"version" yaml:"version"`

	Server struct {
		Addr string `json:"addr" yaml:"addr"`
	} `json:"server" yaml:"server"`

	Documents struct {
		Accept    []string `json:"accept,omitempty" yaml:"accept,omitempty"`
		UploadDir string   `json:"upload_dir" yaml:"upload_dir"`
	} `json:"documents" yaml:"documents"`

	Approval struct {
		TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms"`
		Question  string `json:"question,omitempty" yaml:"question,omitempty"`
	} `json:"approval" yaml:"approval"`

	Retry struct {
		MaxAttempts   int  `json:"max_attempts" yaml:"max_attempts"`
		DefaultWaitMS *int `json:"default_wait_ms,omitempty" yaml:"default_wait_ms,omitempty"`
		MarginMS      *int `json:"margin_ms,omitempty" yaml:"margin_ms,omitempty"`
	} `json:"retry" yaml:"retry"`

	Fanout struct {
		MaxParallel int `json:"max_parallel" yaml:"max_parallel"`
	} `json:"fanout" yaml:"fanout"`

	Evaluators []EvaluatorConfig `json:"evaluators" yaml:"evaluators"`
	Summarizer *EvaluatorConfig  `json:"summarizer,omitempty" yaml:"summarizer,omitempty"`
	Categories []fanout.Category `json:"categories,omitempty" yaml:"categories,omitempty"`

	Reports struct {
		Dir     string `json:"dir" yaml:"dir"`
		Company string `json:"company" yaml:"company"`
	} `json:"reports" yaml:"reports"`

	Archive struct {
		Path string `json:"path" yaml:"path"`
	} `json:"archive" yaml:"archive"`
}

// Load reads path (JSON by extension, YAML otherwise), applies defaults and
// validates. Unknown keys are errors.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the defaulted configuration with no evaluators.
func Default() *File {
	var cfg File
	ApplyDefaults(&cfg)
	return &cfg
}

// LoadEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func ApplyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	cfg.Documents.Accept = trimNonEmpty(cfg.Documents.Accept)
	if cfg.Documents.UploadDir == "" {
		cfg.Documents.UploadDir = "uploads"
	}
	if cfg.Approval.TimeoutMS == 0 {
		cfg.Approval.TimeoutMS = 300000 // 5 minutes
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.DefaultWaitMS == nil {
		v := 30000
		cfg.Retry.DefaultWaitMS = &v
	}
	if cfg.Retry.MarginMS == nil {
		v := 2000
		cfg.Retry.MarginMS = &v
	}
	if cfg.Fanout.MaxParallel == 0 {
		cfg.Fanout.MaxParallel = fanout.DefaultMaxParallel
	}
	for i := range cfg.Evaluators {
		normalizeEvaluator(&cfg.Evaluators[i])
	}
	if cfg.Summarizer != nil {
		normalizeEvaluator(cfg.Summarizer)
		if cfg.Summarizer.ID == "" {
			cfg.Summarizer.ID = "report_writer"
		}
		if cfg.Summarizer.Persona == "" && cfg.Summarizer.SystemPrompt == "" {
			cfg.Summarizer.Persona = "report_writer"
		}
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = fanout.DefaultCategories()
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "reports"
	}
	if strings.TrimSpace(cfg.Reports.Company) == "" {
		cfg.Reports.Company = "Zava"
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = filepath.Join("data", "verdict.db")
	}
}

func normalizeEvaluator(ec *EvaluatorConfig) {
	ec.ID = strings.TrimSpace(ec.ID)
	ec.Kind = EvaluatorKind(strings.ToLower(strings.TrimSpace(string(ec.Kind))))
	if ec.Kind == "" {
		if strings.TrimSpace(ec.Command) != "" {
			ec.Kind = KindCommand
		} else {
			ec.Kind = KindHTTP
		}
	}
	ec.Persona = strings.TrimSpace(ec.Persona)
	ec.BaseURL = strings.TrimSpace(ec.BaseURL)
	ec.APIKeyEnv = strings.TrimSpace(ec.APIKeyEnv)
	ec.Command = strings.TrimSpace(ec.Command)
}

func Validate(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	for _, p := range cfg.Documents.Accept {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("documents.accept: invalid glob %q", p)
		}
	}
	if cfg.Approval.TimeoutMS < 0 {
		return fmt.Errorf("approval.timeout_ms must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.DefaultWaitMS != nil && *cfg.Retry.DefaultWaitMS < 0 {
		return fmt.Errorf("retry.default_wait_ms must be >= 0")
	}
	if cfg.Retry.MarginMS != nil && *cfg.Retry.MarginMS < 0 {
		return fmt.Errorf("retry.margin_ms must be >= 0")
	}
	if cfg.Fanout.MaxParallel < 1 {
		return fmt.Errorf("fanout.max_parallel must be >= 1")
	}
	seen := map[string]bool{}
	for i, ec := range cfg.Evaluators {
		field := fmt.Sprintf("evaluators[%d]", i)
		if ec.ID == "" {
			return fmt.Errorf("%s.id is required", field)
		}
		if seen[ec.ID] {
			return fmt.Errorf("%s: duplicate evaluator id %q", field, ec.ID)
		}
		seen[ec.ID] = true
		if err := validateEvaluator(field, ec); err != nil {
			return err
		}
	}
	if cfg.Summarizer != nil {
		if err := validateEvaluator("summarizer", *cfg.Summarizer); err != nil {
			return err
		}
	}
	labels := map[string]bool{}
	for i, c := range cfg.Categories {
		label := strings.TrimSpace(c.Label)
		if label == "" {
			return fmt.Errorf("categories[%d].label is required", i)
		}
		if labels[label] {
			return fmt.Errorf("categories[%d]: duplicate label %q", i, label)
		}
		labels[label] = true
		if len(trimNonEmpty(c.Keywords)) == 0 {
			return fmt.Errorf("categories[%d] (%s): at least one keyword is required", i, label)
		}
	}
	return nil
}

func validateEvaluator(field string, ec EvaluatorConfig) error {
	switch ec.Kind {
	case KindHTTP:
		if ec.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required for kind=http", field)
		}
		if strings.TrimSpace(ec.Model) == "" {
			return fmt.Errorf("%s.model is required for kind=http", field)
		}
	case KindCommand:
		if ec.Command == "" {
			return fmt.Errorf("%s.command is required for kind=command", field)
		}
	default:
		return fmt.Errorf("%s: invalid kind %q (want http|command)", field, ec.Kind)
	}
	if ec.Persona != "" && ec.SystemPrompt == "" && !knownPersona(ec.Persona) {
		return fmt.Errorf("%s: unknown persona %q", field, ec.Persona)
	}
	if ec.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", field)
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
