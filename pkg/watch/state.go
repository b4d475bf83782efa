package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sriram-PR/harvester/pkg/models"
)

const stateFileName = "watch_state.json"

// RunRecord summarizes one completed refresh of the mirror
type RunRecord struct {
	RunID       string    `json:"run_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Termination string    `json:"termination,omitempty"`
	Saved       int       `json:"saved"`
	UpToDate    int       `json:"up_to_date"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
}

// Succeeded reports whether the run finished without error and drained
// the project.
func (r RunRecord) Succeeded() bool {
	return r.Error == "" && r.Termination == "done"
}

// WatchState is the persisted history of one watched project
type WatchState struct {
	Project   string      `json:"project"`
	Runs      []RunRecord `json:"runs"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// StateManager loads and saves the watch history under the state dir
type StateManager struct {
	stateDir  string
	statePath string
	keep      int

	mu    sync.RWMutex
	state WatchState
}

// NewStateManager keeps at most keep records (10 when keep <= 0)
func NewStateManager(stateDir, project string, keep int) *StateManager {
	if keep <= 0 {
		keep = 10
	}
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, project+"_"+stateFileName),
		keep:      keep,
		state:     WatchState{Project: project},
	}
}

// Load reads the history from disk; a missing file is a fresh start
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var st WatchState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if st.Project != "" && st.Project != m.state.Project {
		return fmt.Errorf("state file belongs to project '%s', not '%s'", st.Project, m.state.Project)
	}
	m.state.Runs = st.Runs
	m.state.UpdatedAt = st.UpdatedAt
	return nil
}

// Save writes the history to disk
func (m *StateManager) Save() error {
	m.mu.Lock()
	m.state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Record appends the outcome of a run, dropping the oldest beyond keep
func (m *StateManager) Record(started time.Time, stats models.CrawlStats, runErr error) RunRecord {
	rec := RunRecord{
		RunID:       stats.RunID,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Termination: stats.Termination,
		Saved:       stats.FilesSaved,
		UpToDate:    stats.FilesUpToDate,
		Failed:      stats.FilesFailed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Runs = append(m.state.Runs, rec)
	if over := len(m.state.Runs) - m.keep; over > 0 {
		m.state.Runs = append([]RunRecord(nil), m.state.Runs[over:]...)
	}
	return rec
}

// Last returns the most recent run
func (m *StateManager) Last() (RunRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.state.Runs) == 0 {
		return RunRecord{}, false
	}
	return m.state.Runs[len(m.state.Runs)-1], true
}

// Runs returns a copy of the history, oldest first
func (m *StateManager) Runs() []RunRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RunRecord(nil), m.state.Runs...)
}

// NextRunTime is when the next refresh is due. A project that never ran
// is due now.
func (m *StateManager) NextRunTime(interval time.Duration, now time.Time) time.Time {
	last, ok := m.Last()
	if !ok {
		return now
	}
	return last.StartedAt.Add(interval)
}
