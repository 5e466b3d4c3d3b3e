package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TWN-Systems/strix/internal/logging"
)

// Script categories and languages.
var (
	scriptCategories = map[string]bool{
		"reconnaissance":    true,
		"scanning":          true,
		"exploitation":      true,
		"post_exploitation": true,
		"reporting":         true,
		"utility":           true,
		"validation":        true,
	}
	scriptLanguages = map[string]scriptLanguage{
		"bash":       {ext: ".sh", interpreter: []string{"/bin/bash"}},
		"python":     {ext: ".py", interpreter: []string{"python3"}},
		"ruby":       {ext: ".rb", interpreter: []string{"ruby"}},
		"perl":       {ext: ".pl", interpreter: []string{"perl"}},
		"powershell": {ext: ".ps1", interpreter: []string{"pwsh"}},
	}
	scriptNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

type scriptLanguage struct {
	ext         string
	interpreter []string
}

const defaultScriptTimeout = 300 * time.Second

// ScriptMetadata describes one registered script.
type ScriptMetadata struct {
	Name                  string            `json:"name"`
	Description           string            `json:"description"`
	Category              string            `json:"category"`
	Language              string            `json:"language"`
	Parameters            []string          `json:"parameters"`
	ParameterDescriptions map[string]string `json:"parameter_descriptions,omitempty"`
	Tags                  []string          `json:"tags,omitempty"`
	Version               string            `json:"version"`
	TimeoutSeconds        int               `json:"timeout"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
}

// ScriptResult is the outcome of an execution.
type ScriptResult struct {
	Success    bool              `json:"success"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	ExitCode   int               `json:"exit_code"`
	DurationMS int64             `json:"duration_ms"`
	ScriptName string            `json:"script_name"`
	Parameters map[string]string `json:"parameters"`
	Error      string            `json:"error,omitempty"`
}

// ScriptsStore keeps agent-authored scripts on disk: content files next to
// a metadata/ directory of JSON descriptors, loaded back on construction.
type ScriptsStore struct {
	mu      sync.Mutex
	dir     string
	scripts map[string]*ScriptMetadata
	logger  logging.Logger
}

// NewScriptsStore opens dir (created if needed) and loads any metadata
// already present. Corrupt descriptors are skipped with a warning.
func NewScriptsStore(dir string) (*ScriptsStore, error) {
	s := &ScriptsStore{
		dir:     dir,
		scripts: make(map[string]*ScriptMetadata),
		logger:  logging.NewComponentLogger("scripts"),
	}
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(metaDir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to read script metadata %s: %v", entry.Name(), err)
			continue
		}
		var meta ScriptMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("failed to decode script metadata %s: %v", entry.Name(), err)
			continue
		}
		s.scripts[meta.Name] = &meta
	}
	return s, nil
}

// Create registers a new script or updates an existing one, bumping its
// patch version. The content file is made executable.
func (s *ScriptsStore) Create(meta ScriptMetadata, content string) (ScriptMetadata, error) {
	if !scriptNamePattern.MatchString(meta.Name) {
		return ScriptMetadata{}, fmt.Errorf("invalid script name %q (alphanumeric and underscores only)", meta.Name)
	}
	if strings.TrimSpace(content) == "" {
		return ScriptMetadata{}, fmt.Errorf("script content cannot be empty")
	}
	if meta.Category == "" {
		meta.Category = "utility"
	}
	if !scriptCategories[meta.Category] {
		return ScriptMetadata{}, fmt.Errorf("invalid category %q", meta.Category)
	}
	if meta.Language == "" {
		meta.Language = "bash"
	}
	if _, ok := scriptLanguages[meta.Language]; !ok {
		return ScriptMetadata{}, fmt.Errorf("invalid language %q (expected bash, python, ruby, perl or powershell)", meta.Language)
	}
	if meta.TimeoutSeconds <= 0 {
		meta.TimeoutSeconds = int(defaultScriptTimeout.Seconds())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	if existing, ok := s.scripts[meta.Name]; ok {
		meta.CreatedAt = existing.CreatedAt
		meta.Version = bumpPatch(existing.Version)
		// A language change leaves the old content file behind; drop it.
		if existing.Language != meta.Language {
			_ = os.Remove(s.scriptPathLocked(existing))
		}
	} else {
		meta.CreatedAt = now
		meta.Version = "1.0.0"
	}
	meta.UpdatedAt = now

	if err := writeFileAtomic(s.scriptPathLocked(&meta), []byte(content), 0o755); err != nil {
		return ScriptMetadata{}, err
	}
	if err := writeJSONAtomic(s.metaPathLocked(meta.Name), &meta); err != nil {
		return ScriptMetadata{}, err
	}
	stored := meta
	s.scripts[meta.Name] = &stored
	s.logger.Info("registered script %s v%s (%s)", meta.Name, meta.Version, meta.Language)
	return meta, nil
}

// Get returns a script's metadata.
func (s *ScriptsStore) Get(name string) (ScriptMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.scripts[name]
	if !ok {
		return ScriptMetadata{}, false
	}
	return *meta, true
}

// Content returns a script's source.
func (s *ScriptsStore) Content(name string) (string, error) {
	s.mu.Lock()
	meta, ok := s.scripts[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("script %q not found", name)
	}
	path := s.scriptPathLocked(meta)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns scripts, optionally filtered by category and tags (any
// match), sorted by name.
func (s *ScriptsStore) List(category string, tags []string) []ScriptMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScriptMetadata
	for _, meta := range s.scripts {
		if category != "" && meta.Category != category {
			continue
		}
		if len(tags) > 0 && !anyTagMatches(meta.Tags, tags) {
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a script's content and metadata.
func (s *ScriptsStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.scripts[name]
	if !ok {
		return fmt.Errorf("script %q not found", name)
	}
	if err := os.Remove(s.scriptPathLocked(meta)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.metaPathLocked(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.scripts, name)
	return nil
}

// Execute runs a script with the given parameter values. Declared
// parameters are passed positionally in declaration order and exported as
// STRIX_PARAM_<NAME> environment variables. A missing declared parameter
// fails before the process starts; a timeout kills the process and reports
// exit code -1.
func (s *ScriptsStore) Execute(ctx context.Context, name string, params map[string]string) ScriptResult {
	start := time.Now()
	if params == nil {
		params = map[string]string{}
	}
	result := ScriptResult{ScriptName: name, Parameters: params, ExitCode: -1}

	s.mu.Lock()
	meta, ok := s.scripts[name]
	if !ok {
		s.mu.Unlock()
		result.Error = fmt.Sprintf("script not found: %s", name)
		return result
	}
	metaCopy := *meta
	path := s.scriptPathLocked(meta)
	s.mu.Unlock()

	var missing []string
	for _, p := range metaCopy.Parameters {
		if _, ok := params[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		result.Error = "missing required parameters: " + strings.Join(missing, ", ")
		return result
	}
	if _, err := os.Stat(path); err != nil {
		result.Error = fmt.Sprintf("script file not found: %s", path)
		return result
	}

	timeout := time.Duration(metaCopy.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lang := scriptLanguages[metaCopy.Language]
	args := append(append([]string(nil), lang.interpreter[1:]...), path)
	for _, p := range metaCopy.Parameters {
		args = append(args, params[p])
	}
	cmd := exec.CommandContext(runCtx, lang.interpreter[0], args...)
	cmd.Env = os.Environ()
	for k, v := range params {
		cmd.Env = append(cmd.Env, fmt.Sprintf("STRIX_PARAM_%s=%s", strings.ToUpper(k), v))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.DurationMS = time.Since(start).Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("script timed out after %ds", metaCopy.TimeoutSeconds)
		result.ExitCode = -1
		result.Stdout = ""
		result.Stderr = ""
		return result
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			return result
		}
	} else {
		result.ExitCode = 0
		result.Success = true
	}
	return result
}

func (s *ScriptsStore) scriptPathLocked(meta *ScriptMetadata) string {
	lang := scriptLanguages[meta.Language]
	return filepath.Join(s.dir, meta.Name+lang.ext)
}

func (s *ScriptsStore) metaPathLocked(name string) string {
	return filepath.Join(s.dir, "metadata", name+".json")
}

func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) == 3 {
		if patch, err := strconv.Atoi(parts[2]); err == nil {
			parts[2] = strconv.Itoa(patch + 1)
			return strings.Join(parts, ".")
		}
	}
	return version
}
