package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directory names inside ELIM_HOME.
const (
	DirActive     = "active"
	DirHypotheses = "hypotheses"
	DirEvidence   = "evidence"
	DirLogs       = "logs"
	DirLearned    = "learned"
	DirArchive    = "archive"

	SessionFile    = "session.yaml"
	LogFile        = "elimination_log.yaml"
	HeuristicsFile = "heuristics.yaml"
	ConfigFile     = "config.yaml"
	CatalogFile    = "catalog.db"
	LockFile       = ".lock"
)

// SessionConfig holds session behavior settings.
type SessionConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// StatusConfig holds status view settings.
type StatusConfig struct {
	EvidenceShown int `yaml:"evidence_shown"`
}

// HeuristicsConfig controls the cross-session learning loop.
type HeuristicsConfig struct {
	Learn            bool `yaml:"learn"`
	UseLearnedPriors bool `yaml:"use_learned_priors"`
}

// LockConfig controls acquisition of the active-session lock.
type LockConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config holds elim configuration.
type Config struct {
	Version    string           `yaml:"version"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Status     StatusConfig     `yaml:"status,omitempty"`
	Heuristics HeuristicsConfig `yaml:"heuristics,omitempty"`
	Lock       LockConfig       `yaml:"lock,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Session: SessionConfig{
			MaxIterations: 20,
		},
		Status: StatusConfig{
			EvidenceShown: 5,
		},
		Heuristics: HeuristicsConfig{
			Learn:            true,
			UseLearnedPriors: false,
		},
		Lock: LockConfig{
			TimeoutSeconds: 10,
		},
	}
}

// Store represents a loaded ELIM_HOME.
type Store struct {
	Home   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the ELIM_HOME path. The ELIM_HOME env var wins; otherwise the
// nearest ancestor of the working directory holding .elimination or .git is
// used as the project root.
func Home() string {
	if h := os.Getenv("ELIM_HOME"); h != "" {
		return h
	}
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".", ".elimination")
	}
	return filepath.Join(FindProjectRoot(cwd), ".elimination")
}

// FindProjectRoot walks up from dir looking for .elimination or .git.
// Falls back to dir itself.
func FindProjectRoot(dir string) string {
	for cur := dir; ; {
		for _, marker := range []string{".elimination", ".git"} {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

func layout(home string) []string {
	return []string{
		home,
		filepath.Join(home, DirActive, DirHypotheses),
		filepath.Join(home, DirActive, DirEvidence),
		filepath.Join(home, DirLogs),
		filepath.Join(home, DirLearned),
		filepath.Join(home, DirArchive),
	}
}

// Init creates the ELIM_HOME directory structure.
func Init(home string, force bool) error {
	if _, err := os.Stat(filepath.Join(home, ConfigFile)); err == nil && !force {
		return fmt.Errorf("ELIM_HOME already initialized at %s (use --force to reinitialize)", home)
	}

	for _, d := range layout(home) {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	if err := WriteYAML(filepath.Join(home, ConfigFile), DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Load reads an existing ELIM_HOME. Missing config fields are filled from defaults.
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, ConfigFile)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read ELIM_HOME config at %s: %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return &Store{Home: home, Config: cfg}, nil
}

// Open loads ELIM_HOME, initializing it on first use.
func Open(home string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(home, ConfigFile)); os.IsNotExist(err) {
		if err := Init(home, false); err != nil {
			return nil, err
		}
	}
	return Load(home)
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	if err := WriteYAML(s.Path(ConfigFile), s.Config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ConfigKeys lists the keys accepted by SetConfigValue.
var ConfigKeys = []string{
	"session.max_iterations",
	"status.evidence_shown",
	"heuristics.learn",
	"heuristics.use_learned_priors",
	"lock.timeout_seconds",
}

// SetConfigValue sets a config value by dot-path key (e.g. "session.max_iterations").
func (s *Store) SetConfigValue(key, value string) error {
	switch key {
	case "session.max_iterations":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 1 {
			return fmt.Errorf("session.max_iterations must be a positive integer")
		}
		s.Config.Session.MaxIterations = n
	case "status.evidence_shown":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
			return fmt.Errorf("status.evidence_shown must be a non-negative integer")
		}
		s.Config.Status.EvidenceShown = n
	case "heuristics.learn":
		s.Config.Heuristics.Learn = value == "true"
	case "heuristics.use_learned_priors":
		s.Config.Heuristics.UseLearnedPriors = value == "true"
	case "lock.timeout_seconds":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 1 {
			return fmt.Errorf("lock.timeout_seconds must be a positive integer")
		}
		s.Config.Lock.TimeoutSeconds = n
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(ConfigKeys, ", "))
	}
	return s.SaveConfig()
}

// Path resolves a path within ELIM_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// ActivePath resolves a path within the active-session namespace.
func (s *Store) ActivePath(parts ...string) string {
	return s.Path(append([]string{DirActive}, parts...)...)
}

// HasActiveSession reports whether the active namespace holds a session record.
func (s *Store) HasActiveSession() bool {
	_, err := os.Stat(s.ActivePath(SessionFile))
	return err == nil
}

// ClearActive removes every record from the active namespace. Safe to re-run.
func (s *Store) ClearActive() error {
	for _, dir := range []string{DirHypotheses, DirEvidence} {
		names, err := ListYAML(s.ActivePath(dir))
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := os.Remove(s.ActivePath(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s/%s: %w", dir, name, err)
			}
		}
	}
	if err := os.Remove(s.ActivePath(SessionFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove active session: %w", err)
	}
	return nil
}

// CheckHealth verifies ELIM_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	for _, p := range layout(home)[1:] {
		info, err := os.Stat(p)
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("missing directory: %s", p)})
		} else if !info.IsDir() {
			issues = append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", p)})
		}
	}

	cfgPath := filepath.Join(home, ConfigFile)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
	} else {
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
		}
	}

	return issues
}

// CheckActiveIntegrity validates the records of the active session: the session
// file parses, every listed hypothesis exists and parses, every evidence file parses.
func CheckActiveIntegrity(home string) []Issue {
	var issues []Issue
	activeDir := filepath.Join(home, DirActive)

	data, err := os.ReadFile(filepath.Join(activeDir, SessionFile))
	if err != nil {
		if hyps, _ := ListYAML(filepath.Join(activeDir, DirHypotheses)); len(hyps) > 0 {
			issues = append(issues, Issue{"warning", fmt.Sprintf("no active session but %d orphaned hypothesis records", len(hyps))})
		}
		return issues
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("active session: invalid YAML: %v", err)})
	}

	if ids, ok := raw["hypothesis_ids"].([]interface{}); ok {
		for _, v := range ids {
			id, _ := v.(string)
			if id == "" {
				continue
			}
			hypData, err := os.ReadFile(filepath.Join(activeDir, DirHypotheses, id+".yaml"))
			if err != nil {
				issues = append(issues, Issue{"error", fmt.Sprintf("active session: missing hypothesis %s", id)})
				continue
			}
			var hyp map[string]interface{}
			if err := yaml.Unmarshal(hypData, &hyp); err != nil {
				issues = append(issues, Issue{"error", fmt.Sprintf("hypothesis %s: invalid YAML", id)})
			}
		}
	}

	evNames, _ := ListYAML(filepath.Join(activeDir, DirEvidence))
	for _, name := range evNames {
		evData, err := os.ReadFile(filepath.Join(activeDir, DirEvidence, name))
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("evidence %s: cannot read file", name)})
			continue
		}
		var ev map[string]interface{}
		if err := yaml.Unmarshal(evData, &ev); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("evidence %s: invalid YAML", name)})
		}
	}

	return issues
}

// FixIssues attempts to repair simple issues in ELIM_HOME. Records are never rewritten.
func FixIssues(home string) []string {
	var fixed []string

	for _, p := range layout(home)[1:] {
		if _, err := os.Stat(p); err != nil {
			if err := os.MkdirAll(p, 0755); err == nil {
				rel, _ := filepath.Rel(home, p)
				fixed = append(fixed, fmt.Sprintf("recreated missing directory: %s", rel))
			}
		}
	}

	cfgPath := filepath.Join(home, ConfigFile)
	if _, err := os.Stat(cfgPath); err != nil {
		if WriteYAML(cfgPath, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}

	return fixed
}
