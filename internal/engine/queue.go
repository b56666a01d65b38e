// Package engine drives workflow execution: the persistent job queue, the
// node worker pool, ready-node dispatch and result handling.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// JobStatus is the queue-side state of one node execution job.
type JobStatus string

const (
	JobWaiting      JobStatus = "waiting"
	JobActive       JobStatus = "active"
	JobWaitingHuman JobStatus = "waiting-human"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
)

// Job is one unit of queued node work. Its id is derived from instance, node
// and attempt so re-enqueueing the same attempt is an idempotent upsert.
type Job struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	NodeID     string    `json:"nodeId"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	Priority   int       `json:"priority,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ProcessAt  time.Time `json:"processAt"`
	Error      string    `json:"error,omitempty"`
}

// JobID builds the canonical job id.
func JobID(instanceID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", instanceID, nodeID, attempt)
}

// queueDoc is the persisted queue document.
type queueDoc struct {
	Jobs      []*Job    `json:"jobs"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const retryBaseMs = 1000

// Queue is the file-backed job queue. Every mutation is a locked
// read-modify-write of the whole document; the file lock serializes
// concurrent processes.
type Queue struct {
	layout *storage.Layout
	lock   *storage.FileLock
}

// NewQueue creates a queue over a data-root layout.
func NewQueue(layout *storage.Layout) *Queue {
	return &Queue{
		layout: layout,
		lock:   storage.NewFileLock(layout.QueueLockFile()),
	}
}

// Lock exposes the queue lock so multi-document updates (instance plus queue)
// can run under a single critical section.
func (q *Queue) Lock() *storage.FileLock { return q.lock }

func (q *Queue) read() queueDoc {
	doc, _ := storage.ReadJSON(q.layout.QueueFile(), storage.ReadOptions[queueDoc]{})
	return doc
}

func (q *Queue) write(doc queueDoc) error {
	doc.UpdatedAt = time.Now().UTC()
	return storage.WriteJSON(q.layout.QueueFile(), doc, storage.WriteOptions{})
}

// update runs a locked read-modify-write of the queue document.
func (q *Queue) update(fn func(doc *queueDoc) error) error {
	return q.lock.WithLock(func() error {
		doc := q.read()
		if err := fn(&doc); err != nil {
			return err
		}
		return q.write(doc)
	})
}

// Enqueue upserts a job keyed by its id. An existing job keeps its createdAt;
// everything else is replaced.
func (q *Queue) Enqueue(job *Job) error {
	return q.update(func(doc *queueDoc) error {
		upsert(doc, job)
		return nil
	})
}

// EnqueueBatch upserts several jobs in one critical section.
func (q *Queue) EnqueueBatch(jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return q.update(func(doc *queueDoc) error {
		for _, j := range jobs {
			upsert(doc, j)
		}
		return nil
	})
}

func upsert(doc *queueDoc, job *Job) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = JobID(job.InstanceID, job.NodeID, job.Attempts)
	}
	if job.Status == "" {
		job.Status = JobWaiting
	}
	if job.ProcessAt.IsZero() {
		job.ProcessAt = now
	}
	job.UpdatedAt = now
	for i, existing := range doc.Jobs {
		if existing.ID == job.ID {
			job.CreatedAt = existing.CreatedAt
			doc.Jobs[i] = job
			return
		}
	}
	job.CreatedAt = now
	doc.Jobs = append(doc.Jobs, job)
}

// Dequeue claims the next runnable job: waiting, due, highest priority first,
// oldest first. instanceID, when non-empty, restricts the scan to one
// instance. Returns nil when nothing is due.
func (q *Queue) Dequeue(instanceID string) (*Job, error) {
	var claimed *Job
	err := q.update(func(doc *queueDoc) error {
		now := time.Now().UTC()
		var due []*Job
		for _, j := range doc.Jobs {
			if j.Status != JobWaiting || j.ProcessAt.After(now) {
				continue
			}
			if instanceID != "" && j.InstanceID != instanceID {
				continue
			}
			due = append(due, j)
		}
		if len(due) == 0 {
			return nil
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].Priority != due[j].Priority {
				return due[i].Priority > due[j].Priority
			}
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		})
		claimed = due[0]
		claimed.Status = JobActive
		claimed.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete removes a finished job from the queue.
func (q *Queue) Complete(jobID string) error {
	return q.update(func(doc *queueDoc) error {
		doc.Jobs = removeJob(doc.Jobs, jobID)
		return nil
	})
}

// Fail records a job failure. Under the attempt limit the job is re-queued
// with exponential backoff (2^attempts seconds, so the first retry waits 1s)
// and its id is re-minted for the new attempt; at the limit it is removed,
// leaving the instance state as the failure record.
func (q *Queue) Fail(jobID, reason string, maxAttempts int) (requeued bool, err error) {
	err = q.update(func(doc *queueDoc) error {
		for _, j := range doc.Jobs {
			if j.ID != jobID {
				continue
			}
			backoff := time.Duration(int64(1)<<uint(j.Attempts)) * retryBaseMs * time.Millisecond
			j.Attempts++
			j.Error = reason
			if j.Attempts >= maxAttempts {
				doc.Jobs = removeJob(doc.Jobs, jobID)
				return nil
			}
			// The id always encodes (instance, node, attempt).
			j.ID = JobID(j.InstanceID, j.NodeID, j.Attempts)
			j.Status = JobWaiting
			j.ProcessAt = time.Now().UTC().Add(backoff)
			requeued = true
			return nil
		}
		return nil
	})
	return requeued, err
}

// Requeue returns an active job to waiting, optionally delayed. Used for
// self-polling nodes and for orphan recovery.
func (q *Queue) Requeue(jobID string, delay time.Duration) error {
	return q.update(func(doc *queueDoc) error {
		for _, j := range doc.Jobs {
			if j.ID == jobID {
				j.Status = JobWaiting
				j.ProcessAt = time.Now().UTC().Add(delay)
			}
		}
		return nil
	})
}

// MarkWaitingHuman parks a job until approval arrives.
func (q *Queue) MarkWaitingHuman(jobID string) error {
	return q.update(func(doc *queueDoc) error {
		for _, j := range doc.Jobs {
			if j.ID == jobID {
				j.Status = JobWaitingHuman
			}
		}
		return nil
	})
}

// Resume wakes every waiting-human job of an instance. Returns the number of
// jobs woken.
func (q *Queue) Resume(instanceID string) (int, error) {
	woken := 0
	err := q.update(func(doc *queueDoc) error {
		now := time.Now().UTC()
		for _, j := range doc.Jobs {
			if j.InstanceID == instanceID && j.Status == JobWaitingHuman {
				j.Status = JobWaiting
				j.ProcessAt = now
				woken++
			}
		}
		return nil
	})
	return woken, err
}

// ResetActive returns every active job of an instance to waiting. Called on
// resume after a crash so interrupted nodes run again.
func (q *Queue) ResetActive(instanceID string) error {
	return q.update(func(doc *queueDoc) error {
		now := time.Now().UTC()
		for _, j := range doc.Jobs {
			if j.InstanceID == instanceID && j.Status == JobActive {
				j.Status = JobWaiting
				j.ProcessAt = now
			}
		}
		return nil
	})
}

// RemoveInstanceJobs drops every job belonging to an instance.
func (q *Queue) RemoveInstanceJobs(instanceID string) error {
	return q.update(func(doc *queueDoc) error {
		kept := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			if j.InstanceID != instanceID {
				kept = append(kept, j)
			}
		}
		doc.Jobs = kept
		return nil
	})
}

// CleanupOldJobs drops terminal jobs older than the cutoff.
func (q *Queue) CleanupOldJobs(olderThan time.Duration) (int, error) {
	removed := 0
	err := q.update(func(doc *queueDoc) error {
		cutoff := time.Now().UTC().Add(-olderThan)
		kept := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			terminal := j.Status == JobCompleted || j.Status == JobFailed
			if terminal && j.UpdatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		doc.Jobs = kept
		return nil
	})
	return removed, err
}

// Jobs returns a snapshot of the queue, optionally filtered by instance.
func (q *Queue) Jobs(instanceID string) ([]*Job, error) {
	var out []*Job
	err := q.lock.WithLock(func() error {
		doc := q.read()
		for _, j := range doc.Jobs {
			if instanceID == "" || j.InstanceID == instanceID {
				out = append(out, j)
			}
		}
		return nil
	})
	return out, err
}

// PendingCount counts jobs of an instance still in flight.
func (q *Queue) PendingCount(instanceID string) (int, error) {
	jobs, err := q.Jobs(instanceID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Status == JobWaiting || j.Status == JobWaitingHuman || j.Status == JobActive {
			n++
		}
	}
	return n, nil
}

func removeJob(jobs []*Job, id string) []*Job {
	kept := jobs[:0]
	for _, j := range jobs {
		if j.ID != id {
			kept = append(kept, j)
		}
	}
	return kept
}

// NewNodeJob builds a waiting job for a node at its current attempt count.
func NewNodeJob(inst *workflow.Instance, nodeID string, priority int) *Job {
	attempt := 0
	if s, ok := inst.NodeStates[nodeID]; ok {
		attempt = s.Attempts
	}
	return &Job{
		ID:         JobID(inst.ID, nodeID, attempt),
		InstanceID: inst.ID,
		NodeID:     nodeID,
		Attempts:   attempt,
		Priority:   priority,
		Status:     JobWaiting,
	}
}
