package types

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job states. Transitions only move forward: Queued -> Processing ->
// one of the terminal states.
const (
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
)

var jobStatusRank = map[JobStatus]int{
	JobQueued:          0,
	JobProcessing:      1,
	JobCompleted:       2,
	JobPartiallyFailed: 2,
	JobFailed:          2,
}

// Terminal reports whether s is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartiallyFailed || s == JobFailed
}

// CanTransition reports whether moving from s to next is a forward
// transition. Staying in place is allowed; regressing or leaving a
// terminal state is not.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return jobStatusRank[next] > jobStatusRank[s]
}

// ImageStatus is the per-image sub-status within a job.
type ImageStatus string

const (
	ImagePending   ImageStatus = "pending"
	ImageRunning   ImageStatus = "running"
	ImageSucceeded ImageStatus = "succeeded"
	ImageFailed    ImageStatus = "failed"
	// ImageSkipped marks images never scheduled because the job was
	// cancelled before they started.
	ImageSkipped ImageStatus = "skipped"
)

// Done reports whether the image needs no further work.
func (s ImageStatus) Done() bool {
	return s == ImageSucceeded || s == ImageFailed || s == ImageSkipped
}

// ImageProgress tracks one source image through the pipeline.
type ImageProgress struct {
	Name        string      `json:"name" bson:"name"`
	Status      ImageStatus `json:"status" bson:"status"`
	Detections  int         `json:"detections" bson:"detections"`
	TilesTotal  int         `json:"tiles_total" bson:"tiles_total"`
	TilesFailed int         `json:"tiles_failed" bson:"tiles_failed"`
	Error       string      `json:"error,omitempty" bson:"error,omitempty"`
}

// JobRecord is the job's shared status record. It is owned by the job
// store; workers only ever change it through compare-and-set updates,
// with Version incremented on every write.
type JobRecord struct {
	ID        string          `json:"id" bson:"_id"`
	Status    JobStatus       `json:"status" bson:"status"`
	Created   time.Time       `json:"created" bson:"created"`
	Updated   time.Time       `json:"updated" bson:"updated"`
	Config    JobConfig       `json:"config" bson:"config"`
	Images    []ImageProgress `json:"images" bson:"images"`
	Cancelled bool            `json:"cancelled" bson:"cancelled"`
	Version   int64           `json:"version" bson:"version"`
}

// Clone returns a deep copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	out := *r
	out.Images = make([]ImageProgress, len(r.Images))
	copy(out.Images, r.Images)
	return &out
}

// ImagesDone reports whether every image has reached a final sub-status.
func (r *JobRecord) ImagesDone() bool {
	for i := range r.Images {
		if !r.Images[i].Status.Done() {
			return false
		}
	}
	return true
}

// DeriveStatus computes the terminal status from per-image outcomes:
// Completed when every image succeeded, Failed when none did, and
// PartiallyFailed otherwise. It must only be called once ImagesDone.
func (r *JobRecord) DeriveStatus() JobStatus {
	succeeded, failed := 0, 0
	for i := range r.Images {
		switch r.Images[i].Status {
		case ImageSucceeded:
			succeeded++
		case ImageFailed, ImageSkipped:
			failed++
		}
	}
	switch {
	case failed == 0:
		return JobCompleted
	case succeeded == 0:
		return JobFailed
	default:
		return JobPartiallyFailed
	}
}
