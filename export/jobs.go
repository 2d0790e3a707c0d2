package export

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/puzpuzpuz/xsync/v3"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Final() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

type Job struct {
	ID         string     `json:"id"`
	Student    string     `json:"student"`
	State      JobState   `json:"state"`
	Location   string     `json:"location,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RenderFunc func(ctx context.Context, student string) (Result, error)

// Jobs runs single-student exports in the background. Jobs are kept in
// memory and forgotten ttl after their last state change.
type Jobs struct {
	render RenderFunc
	sink   Sink
	base   context.Context

	lock    sync.Mutex
	jobs    *cache.Cache
	cancels *xsync.MapOf[string, context.CancelFunc]
	slots   chan struct{}
	wg      sync.WaitGroup
}

// NewJobs runs at most workers renders at a time. Jobs stop when base is
// cancelled.
func NewJobs(base context.Context, render RenderFunc, sink Sink, ttl time.Duration, workers int) *Jobs {
	if workers < 1 {
		workers = 1
	}
	return &Jobs{
		render:  render,
		sink:    sink,
		base:    base,
		jobs:    cache.New(ttl, ttl/2+time.Second),
		cancels: xsync.NewMapOf[string, context.CancelFunc](),
		slots:   make(chan struct{}, workers),
	}
}

func (j *Jobs) Submit(student string) Job {
	job := Job{
		ID:        uuid.NewString(),
		Student:   student,
		State:     JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(j.base)
	j.cancels.Store(job.ID, cancel)
	j.lock.Lock()
	j.jobs.SetDefault(job.ID, job)
	j.lock.Unlock()

	j.wg.Add(1)
	go j.run(ctx, job)
	return job
}

func (j *Jobs) run(ctx context.Context, job Job) {
	defer j.wg.Done()
	defer func() {
		if cancel, ok := j.cancels.LoadAndDelete(job.ID); ok {
			cancel()
		}
	}()
	log := logger.FromContext(ctx).With("job_id", job.ID, "student", job.Student)

	select {
	case j.slots <- struct{}{}:
		defer func() { <-j.slots }()
	case <-ctx.Done():
		j.finish(job.ID, JobCancelled, "", ctx.Err())
		return
	}
	if !j.update(job.ID, func(jb *Job) { jb.State = JobRunning }) {
		return
	}

	res, err := j.render(ctx, job.Student)
	if err == nil && j.sink != nil {
		var location string
		location, err = j.sink.Store(ctx, res)
		if err == nil {
			j.finish(job.ID, JobDone, location, nil)
			log.Info("export job done", "location", location)
			return
		}
	}
	switch {
	case err == nil:
		j.finish(job.ID, JobDone, "", nil)
	case ctx.Err() != nil:
		j.finish(job.ID, JobCancelled, "", ctx.Err())
	default:
		log.Warn("export job failed", "error", err)
		j.finish(job.ID, JobFailed, "", err)
	}
}

// update applies fn unless the job expired or already finished.
func (j *Jobs) update(id string, fn func(*Job)) bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	v, ok := j.jobs.Get(id)
	if !ok {
		return false
	}
	job := v.(Job)
	if job.State.Final() {
		return false
	}
	fn(&job)
	j.jobs.SetDefault(id, job)
	return true
}

func (j *Jobs) finish(id string, state JobState, location string, err error) {
	now := time.Now().UTC()
	j.update(id, func(job *Job) {
		job.State = state
		job.Location = location
		job.FinishedAt = &now
		if err != nil {
			job.ErrorCode = srvcerror.Code(err)
			job.Error = err.Error()
		}
	})
}

func (j *Jobs) Get(id string) (Job, error) {
	v, ok := j.jobs.Get(id)
	if !ok {
		return Job{}, ErrJobNotFound(id)
	}
	return v.(Job), nil
}

// Cancel stops a queued or running job. Finished jobs are returned as they
// are.
func (j *Jobs) Cancel(id string) (Job, error) {
	if _, err := j.Get(id); err != nil {
		return Job{}, err
	}
	j.finish(id, JobCancelled, "", context.Canceled)
	if cancel, ok := j.cancels.LoadAndDelete(id); ok {
		cancel()
	}
	return j.Get(id)
}

// Wait blocks until every submitted job has stopped.
func (j *Jobs) Wait() {
	j.wg.Wait()
}
