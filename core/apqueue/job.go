package apqueue

import (
	"encoding/json"
	"time"
)

// JobStatus Enum Type
type JobStatus uint8

const (
	// JobPending : waiting to be picked up
	JobPending JobStatus = iota
	// JobInProgress : picked up, not yet finished
	JobInProgress
)

func (s JobStatus) HumanReadable() string {
	switch s {
	case JobPending:
		return "pending"
	case JobInProgress:
		return "in_progress"
	}
	return "unknown"
}

type Job struct {
	// external reference id. The mempool stores the userOpHash here so a job
	// can be found without decoding every entry
	ExternalID string `json:"externalId"`
	Data       []byte `json:"data"`

	// id of the job in the queue system
	// This ID is generate by this package in a sequence and gives the FIFO order
	ID         uint64    `json:"id"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	j := &Job{}
	err := json.Unmarshal(b, j)
	return j, err
}
