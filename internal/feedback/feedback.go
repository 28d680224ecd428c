// Package feedback implements the Feedback Accumulator (C4): a per-task
// append-only log of feedback records, with threshold-triggered (but
// caller-decided) archival.
package feedback

import (
	"time"

	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/store"
)

// Record is one feedback entry appended to a task's history.
type Record struct {
	Iteration   int                    `json:"iteration"`
	Timestamp   time.Time              `json:"timestamp"`
	Feedback    string                 `json:"feedback"`
	QualityScore float64               `json:"quality_score"`
	AgentID     string                 `json:"agent_id"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// History is the append-only per-task feedback log.
type History struct {
	TaskID   string   `json:"task_id"`
	Records  []Record `json:"records"`
	Archived bool     `json:"archived"`
}

// Accumulator owns the active and archive stores for feedback history.
type Accumulator struct {
	active  store.Store
	archive store.Store
	logger  logging.Logger

	// ArchiveThreshold is the advisory record-count threshold (spec §4.4
	// default 1000): crossing it is logged but archival is never triggered
	// automatically — the caller decides.
	ArchiveThreshold int
}

// New creates an Accumulator whose active log lives under
// <root>/feedback/<task_id>.json and whose archive lives under
// <root>/feedback/archive/<task_id>.json — or, when redisURL is non-empty,
// under Redis keys prefixed "conductor:feedback" and
// "conductor:feedback-archive" respectively.
func New(root string, archiveThreshold int, redisURL string, logger logging.Logger) (*Accumulator, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	active, err := store.New(root+"/feedback", redisURL, "conductor:feedback", logger)
	if err != nil {
		return nil, err
	}
	arch, err := store.New(root+"/feedback/archive", redisURL, "conductor:feedback-archive", logger)
	if err != nil {
		return nil, err
	}
	if archiveThreshold <= 0 {
		archiveThreshold = 1000
	}
	return &Accumulator{
		active:           active,
		archive:          arch,
		logger:           logger.WithComponent("conductor/feedback"),
		ArchiveThreshold: archiveThreshold,
	}, nil
}

func (a *Accumulator) load(taskID string) (History, error) {
	var h History
	found, err := a.active.Load(taskID, &h)
	if err != nil {
		return History{}, err
	}
	if !found {
		h = History{TaskID: taskID, Records: []Record{}}
	}
	return h, nil
}

// Add appends one feedback record for taskID and persists the history. The
// iteration number is supplied by the caller (typically the refinement
// round or debug attempt number that produced this feedback).
func (a *Accumulator) Add(taskID string, fb string, iteration int, qualityScore float64, agentID string, metadata map[string]interface{}) (History, error) {
	if fb == "" {
		return History{}, errs.New("feedback.Add", "InvalidContract", taskID, errs.ErrInvalidContract)
	}
	h, err := a.load(taskID)
	if err != nil {
		return History{}, err
	}
	if h.Archived {
		// Once archived, the active log starts fresh; the caller observes
		// continuity only through the archive.
		h = History{TaskID: taskID, Records: []Record{}}
	}

	h.Records = append(h.Records, Record{
		Iteration:    iteration,
		Timestamp:    time.Now().UTC(),
		Feedback:     fb,
		QualityScore: qualityScore,
		AgentID:      agentID,
		Metadata:     metadata,
	})

	if err := a.active.Save(taskID, h); err != nil {
		return History{}, err
	}

	if len(h.Records) >= a.ArchiveThreshold {
		a.logger.Warn("feedback history crossed archive threshold", map[string]interface{}{
			"task_id": taskID, "record_count": len(h.Records), "threshold": a.ArchiveThreshold,
		})
	}
	return h, nil
}

// GetCumulative returns the most recent maxRecent feedback strings in
// iteration order (oldest first). maxRecent <= 0 returns all of them.
func (a *Accumulator) GetCumulative(taskID string, maxRecent int) ([]string, error) {
	h, err := a.load(taskID)
	if err != nil {
		return nil, err
	}
	records := h.Records
	if maxRecent > 0 && len(records) > maxRecent {
		records = records[len(records)-maxRecent:]
	}
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Feedback
	}
	return out, nil
}

// Archive moves the active history into the archive store and marks it
// archived=true in the same move, matching spec §4.4's "move and mark"
// semantics.
func (a *Accumulator) Archive(taskID string) error {
	h, err := a.load(taskID)
	if err != nil {
		return err
	}
	h.Archived = true
	if err := store.Move(a.active, a.archive, taskID, h); err != nil {
		return err
	}
	a.logger.Info("feedback history archived", map[string]interface{}{"task_id": taskID, "record_count": len(h.Records)})
	return nil
}
