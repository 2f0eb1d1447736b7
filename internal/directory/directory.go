package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrUnknownAgent = errors.New("unknown agent")

const (
	agentFile    = "agent.yaml"
	memoriesFile = "memories.yaml"
)

// Directory reads agent personas and long-term memory fragments from the
// filesystem. Files are externally owned and may change at any time, so
// Load returns a fresh immutable snapshot per call; the internal cache is
// keyed on file mtimes and invalidated by the fsnotify watcher.
type Directory struct {
	root string
	log  *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	snap     *Snapshot
	agentMod time.Time
	memMod   time.Time
}

func New(root string, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{root: root, log: log, cache: map[string]cacheEntry{}}
}

// Fragment is a self-contained unit of long-term memory. Fragments carry
// no ordering dependency on each other; either retrieval mode may surface
// them individually and out of order.
type Fragment struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags,omitempty"`
	Text string   `yaml:"text"`
}

// Snapshot is an immutable view of one agent's configuration at load time.
type Snapshot struct {
	ID           string
	Name         string
	Group        string
	Nutshell     string
	Traits       []string
	RecentEvents string
	Avoid        []string
	AutoMemory   bool
	MemoryPolicy string

	fragments []Fragment
	byName    map[string]Fragment
}

// NewSnapshot builds a snapshot directly, without touching disk. Loaded
// snapshots come from Load; this exists for tests and tooling.
func NewSnapshot(id, name string, fragments ...Fragment) *Snapshot {
	snap := &Snapshot{ID: id, Name: name, byName: map[string]Fragment{}}
	for _, fragment := range fragments {
		if _, exists := snap.byName[fragment.Name]; exists {
			continue
		}
		snap.fragments = append(snap.fragments, fragment)
		snap.byName[fragment.Name] = fragment
	}
	return snap
}

type agentYAML struct {
	Name         string   `yaml:"name"`
	Group        string   `yaml:"group,omitempty"`
	Nutshell     string   `yaml:"nutshell,omitempty"`
	Traits       []string `yaml:"traits,omitempty"`
	RecentEvents string   `yaml:"recent_events,omitempty"`
	Avoid        []string `yaml:"avoid,omitempty"`
	Memory       struct {
		Auto   bool   `yaml:"auto,omitempty"`
		Policy string `yaml:"policy,omitempty"`
	} `yaml:"memory,omitempty"`
}

func (d *Directory) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.root, entry.Name(), agentFile)); err != nil {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Load parses the agent's files and returns a snapshot. Results are cached
// only as long as the underlying files are unchanged.
func (d *Directory) Load(agentID string) (*Snapshot, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	agentPath := filepath.Join(d.root, agentID, agentFile)
	memPath := filepath.Join(d.root, agentID, memoriesFile)

	agentInfo, err := os.Stat(agentPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrUnknownAgent)
		}
		return nil, fmt.Errorf("stat agent config: %w", err)
	}
	var memMod time.Time
	if memInfo, err := os.Stat(memPath); err == nil {
		memMod = memInfo.ModTime()
	}

	d.mu.Lock()
	if entry, ok := d.cache[agentID]; ok && entry.agentMod.Equal(agentInfo.ModTime()) && entry.memMod.Equal(memMod) {
		snap := entry.snap
		d.mu.Unlock()
		return snap, nil
	}
	d.mu.Unlock()

	snap, err := d.parse(agentID, agentPath, memPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[agentID] = cacheEntry{snap: snap, agentMod: agentInfo.ModTime(), memMod: memMod}
	d.mu.Unlock()
	return snap, nil
}

func (d *Directory) parse(agentID, agentPath, memPath string) (*Snapshot, error) {
	raw, err := os.ReadFile(agentPath)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg agentYAML
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", agentPath, err)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = agentID
	}

	snap := &Snapshot{
		ID:           agentID,
		Name:         name,
		Group:        strings.TrimSpace(cfg.Group),
		Nutshell:     strings.TrimSpace(cfg.Nutshell),
		Traits:       cfg.Traits,
		RecentEvents: strings.TrimSpace(cfg.RecentEvents),
		Avoid:        cfg.Avoid,
		AutoMemory:   cfg.Memory.Auto,
		MemoryPolicy: strings.TrimSpace(cfg.Memory.Policy),
		byName:       map[string]Fragment{},
	}

	memRaw, err := os.ReadFile(memPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("read memories: %w", err)
	}
	var fragments []Fragment
	if err := yaml.Unmarshal(memRaw, &fragments); err != nil {
		return nil, fmt.Errorf("parse memories %s: %w", memPath, err)
	}
	for _, fragment := range fragments {
		fragment.Name = strings.TrimSpace(fragment.Name)
		if fragment.Name == "" || strings.TrimSpace(fragment.Text) == "" {
			continue
		}
		if _, exists := snap.byName[fragment.Name]; exists {
			d.log.Warn("duplicate memory fragment name", zap.String("agent", agentID), zap.String("fragment", fragment.Name))
			continue
		}
		snap.fragments = append(snap.fragments, fragment)
		snap.byName[fragment.Name] = fragment
	}
	return snap, nil
}

// SaveFragment appends a memory fragment to the agent's memories file. An
// existing fragment with the same name is replaced.
func (d *Directory) SaveFragment(agentID string, fragment Fragment) error {
	fragment.Name = strings.TrimSpace(fragment.Name)
	if fragment.Name == "" {
		return fmt.Errorf("fragment name is required")
	}
	if strings.TrimSpace(fragment.Text) == "" {
		return fmt.Errorf("fragment text is required")
	}
	snap, err := d.Load(agentID)
	if err != nil {
		return err
	}

	fragments := make([]Fragment, 0, len(snap.fragments)+1)
	replaced := false
	for _, existing := range snap.fragments {
		if existing.Name == fragment.Name {
			fragments = append(fragments, fragment)
			replaced = true
			continue
		}
		fragments = append(fragments, existing)
	}
	if !replaced {
		fragments = append(fragments, fragment)
	}

	data, err := yaml.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("encode memories: %w", err)
	}
	memPath := filepath.Join(d.root, agentID, memoriesFile)
	if err := os.WriteFile(memPath, data, 0o644); err != nil {
		return fmt.Errorf("write memories: %w", err)
	}

	d.invalidate(agentID)
	d.log.Info("saved memory fragment", zap.String("agent", agentID), zap.String("fragment", fragment.Name))
	return nil
}

func (d *Directory) invalidate(agentID string) {
	d.mu.Lock()
	delete(d.cache, agentID)
	d.mu.Unlock()
}

func (s *Snapshot) Fragments() []Fragment {
	out := make([]Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out
}

func (s *Snapshot) Fragment(name string) (Fragment, bool) {
	fragment, ok := s.byName[strings.TrimSpace(name)]
	return fragment, ok
}

func (s *Snapshot) FragmentNames() []string {
	out := make([]string, 0, len(s.fragments))
	for _, fragment := range s.fragments {
		out = append(out, fragment.Name)
	}
	return out
}

// SystemPrompt renders the persona sections as markdown for the generation
// session's system prompt.
func (s *Snapshot) SystemPrompt() string {
	var sections []string
	if s.Nutshell != "" {
		sections = append(sections, fmt.Sprintf("## %s in a nutshell\n\n%s", s.Name, s.Nutshell))
	}
	if len(s.Traits) > 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s's characteristics\n", s.Name)
		for _, trait := range s.Traits {
			trait = strings.TrimSpace(trait)
			if trait == "" {
				continue
			}
			sb.WriteString("\n- ")
			sb.WriteString(trait)
		}
		sections = append(sections, sb.String())
	}
	if s.RecentEvents != "" {
		sections = append(sections, "## Recent events\n\n"+s.RecentEvents)
	}
	if len(s.Avoid) > 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "## Things %s avoids\n", s.Name)
		for _, item := range s.Avoid {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			sb.WriteString("\n- ")
			sb.WriteString(item)
		}
		sections = append(sections, sb.String())
	}
	return strings.Join(sections, "\n\n")
}
