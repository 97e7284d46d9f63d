// Package status provides in-memory bookkeeping for ingestion and processing
// jobs: counts, last error and a rough ETA. State is per-process and rebuilt
// empty on restart; it exists for operator visibility, not coordination.
package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes the synchronous individual flow from batch ingestion.
type JobType string

const (
	JobTypeIndividual JobType = "individual"
	JobTypeBatch      JobType = "lote"
)

// JobState is the lifecycle of a tracked job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// Job is a snapshot of one tracked job.
type Job struct {
	ID           string     `json:"jobId"`
	Type         JobType    `json:"type"`
	State        JobState   `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	OKCount      int        `json:"okCount"`
	ErrorCount   int        `json:"errorCount"`
	Skipped      int        `json:"skipped"`
	AvgPerItemMS *int64     `json:"avgMsPerItem"`
	ETAMS        *int64     `json:"etaMs"`
	ElapsedMS    int64      `json:"elapsedMs"`
	LastError    *string    `json:"lastError"`
}

// Tracker tracks jobs by id and remembers the most recently created one.
type Tracker struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	currentID string
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Job)}
}

// Create registers a running job and returns its id.
func (t *Tracker) Create(jobType JobType, total int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.jobs[id] = &Job{
		ID:        id,
		Type:      jobType,
		State:     JobRunning,
		StartedAt: time.Now(),
		Total:     total,
	}
	t.currentID = id
	return id
}

// Progress records one processed item. ok distinguishes workflow success from
// workflow failure; errMsg, when non-empty, becomes the job's last error.
func (t *Tracker) Progress(id string, ok bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.jobs[id]
	if job == nil || job.State != JobRunning {
		return
	}
	job.Processed++
	if ok {
		job.OKCount++
	} else {
		job.ErrorCount++
	}
	if errMsg != "" {
		job.LastError = &errMsg
	}
	t.updateETALocked(job)
}

// Skip adds to the job's skipped count.
func (t *Tracker) Skip(id string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.jobs[id]
	if job == nil || job.State != JobRunning {
		return
	}
	job.Skipped += count
	t.updateETALocked(job)
}

// Finish marks the job done, or errored when errMsg is non-empty.
func (t *Tracker) Finish(id string, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.jobs[id]
	if job == nil {
		return
	}
	if errMsg != "" {
		job.State = JobError
		job.LastError = &errMsg
	} else if job.State == JobRunning {
		job.State = JobDone
	}
	now := time.Now()
	job.FinishedAt = &now
	t.updateETALocked(job)
	zero := int64(0)
	job.ETAMS = &zero
}

// Get returns a copy of the job, or nil when unknown.
func (t *Tracker) Get(id string) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyJob(t.jobs[id])
}

// Current returns a copy of the most recently created job, or nil.
func (t *Tracker) Current() *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentID == "" {
		return nil
	}
	return copyJob(t.jobs[t.currentID])
}

func (t *Tracker) updateETALocked(job *Job) {
	job.ElapsedMS = time.Since(job.StartedAt).Milliseconds()
	if job.Processed > 0 {
		avg := job.ElapsedMS / int64(job.Processed)
		job.AvgPerItemMS = &avg
		remaining := job.Total - job.Processed
		if remaining < 0 {
			remaining = 0
		}
		eta := int64(remaining) * avg
		job.ETAMS = &eta
	} else {
		job.AvgPerItemMS = nil
		job.ETAMS = nil
	}
}

func copyJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	c := *job
	return &c
}
