package opa

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/*.rego
var defaultPolicies embed.FS

// Query is the rule every tracking policy must define.
const Query = "data.mediabadge.tracking.allow"

// Engine wraps OPA rego engine for tracking decisions
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu         sync.RWMutex
	modules    map[string]string
	allowQuery rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine. An empty policyDir uses the built-in policy.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	source := policyDir
	if source == "" {
		source = "builtin"
	}
	e.logger.Info().Str("policy_dir", source).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies reads all .rego files from the policy directory or the embedded defaults
func (e *Engine) loadPolicies() (map[string]string, error) {
	modules := make(map[string]string)

	if e.policyDir == "" {
		entries, err := defaultPolicies.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in policies: %w", err)
		}
		for _, entry := range entries {
			name := "policies/" + entry.Name()
			content, err := defaultPolicies.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read built-in policy %s: %w", name, err)
			}
			modules[name] = string(content)
		}
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		modules[file] = string(content)
		e.logger.Debug().Str("file", file).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepareAllowQuery compiles the allow rule against modules
func prepareAllowQuery(modules map[string]string) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(Query)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare tracking query: %w", err)
	}
	return query, nil
}

// Allow evaluates the tracking decision for input. An undefined result is a deny.
func (e *Engine) Allow(ctx context.Context, input map[string]interface{}) (bool, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.allowQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("tracking query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Tracking query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("tracking decision is not a bool: %T", results[0].Expressions[0].Value)
	}

	return allow, nil
}

// Reload reloads and recompiles all policies. On failure the previous
// policies stay in effect.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepareAllowQuery(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.allowQuery = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("OPA policies loaded")

	return nil
}
