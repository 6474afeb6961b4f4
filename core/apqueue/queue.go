package apqueue

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-bundler/storage"
)

var ErrJobNotFound = errors.New("job not found")

// Queue is a badger backed FIFO. Each job lives under
// q:<prefix>:<status>:<id> and an index q:<prefix>:idx:<externalId> points at
// its current key, so jobs can be moved or removed by external id.
type Queue struct {
	db storage.Storage

	seq    storage.Sequence
	dbLock sync.Mutex

	prefix string
	logger sdklogging.Logger
}

type QueueOption struct {
	Prefix string
}

// New creates a new queue on top of db
func New(db storage.Storage, logger sdklogging.Logger, opts *QueueOption) *Queue {
	q := Queue{
		db:     db,
		dbLock: sync.Mutex{},
		prefix: "d",
		logger: logger,
	}

	if opts != nil && opts.Prefix != "" {
		q.prefix = opts.Prefix
	}

	return &q
}

// start Queue, panic if there is any error
func (q *Queue) MustStart() error {
	var err error
	q.seq, err = q.db.GetSequence([]byte("q:seq:"+q.prefix), 1000)

	if err != nil {
		panic(err)
	}

	return err
}

// stop Queue and Release resources
func (q *Queue) Stop() error {
	if q.seq == nil {
		return nil
	}
	// release sequence to avoid wasting counter
	return q.seq.Release()
}

// When a queue is killed abruptly, jobs that were picked up are left in
// progress forever. Recover moves them back to pending. Job ids are kept so
// they return to their original FIFO position.
func (q *Queue) Recover() (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(JobInProgress))
	if err != nil {
		return 0, err
	}

	mutations := make([]storage.Mutation, 0, len(kvs)*3)
	for _, kv := range kvs {
		job, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Error("drop undecodable job during recover", "key", string(kv.Key), "error", err)
			mutations = append(mutations, storage.Mutation{Key: kv.Key, Delete: true})
			continue
		}

		dest := q.getJobKey(JobPending, job.ID)
		mutations = append(mutations,
			storage.Mutation{Key: kv.Key, Delete: true},
			storage.Mutation{Key: dest, Value: kv.Value},
			storage.Mutation{Key: q.getIndexKey(job.ExternalID), Value: dest},
		)
	}

	if err := q.db.Apply(mutations); err != nil {
		return 0, err
	}

	if len(kvs) > 0 {
		q.logger.Info("recovered in progress jobs", "prefix", q.prefix, "total", len(kvs))
	}
	return len(kvs), nil
}

func getNextSeq(seq storage.Sequence) (num uint64, err error) {
	defer func() {
		r := recover()
		if r != nil {
			// recover from panic and send err instead
			err = fmt.Errorf("sequence: %v", r)
		}
	}()

	num, err = seq.Next()
	return num, err
}

// Enqueue appends a job at the tail of the given status
func (q *Queue) Enqueue(status JobStatus, externalID string, data []byte) (*Job, error) {
	num, err := getNextSeq(q.seq)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ExternalID: externalID,
		Data:       data,
		EnqueuedAt: time.Now(),

		ID: num + 1,
	}

	b, err := encodeJob(j)
	if err != nil {
		return nil, err
	}

	key := q.getJobKey(status, j.ID)

	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	err = q.db.Apply([]storage.Mutation{
		{Key: key, Value: b},
		{Key: q.getIndexKey(externalID), Value: key},
	})
	if err != nil {
		return nil, err
	}

	return j, nil
}

// Move changes the status of a job, keeping its id
func (q *Queue) Move(externalID string, status JobStatus) error {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	src, value, err := q.lookup(externalID)
	if err != nil {
		return err
	}

	id, err := q.parseJobID(src)
	if err != nil {
		return err
	}

	dest := q.getJobKey(status, id)
	return q.db.Apply([]storage.Mutation{
		{Key: src, Delete: true},
		{Key: dest, Value: value},
		{Key: q.getIndexKey(externalID), Value: dest},
	})
}

// Replace swaps the payload of a job in place so it keeps its position
func (q *Queue) Replace(oldExternalID, newExternalID string, data []byte) error {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	key, value, err := q.lookup(oldExternalID)
	if err != nil {
		return err
	}

	job, err := decodeJob(value)
	if err != nil {
		return err
	}
	job.ExternalID = newExternalID
	job.Data = data

	b, err := encodeJob(job)
	if err != nil {
		return err
	}

	mutations := []storage.Mutation{{Key: key, Value: b}}
	if oldExternalID != newExternalID {
		mutations = append(mutations, storage.Mutation{Key: q.getIndexKey(oldExternalID), Delete: true})
	}
	mutations = append(mutations, storage.Mutation{Key: q.getIndexKey(newExternalID), Value: key})

	return q.db.Apply(mutations)
}

// Remove deletes a job only while it is in the given status. A job that has
// already moved to another status is reported as ErrJobNotFound.
func (q *Queue) Remove(externalID string, status JobStatus) error {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	key, _, err := q.lookup(externalID)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(key, q.getQueueKeyPrefix(status)) {
		return ErrJobNotFound
	}

	return q.db.Apply([]storage.Mutation{
		{Key: key, Delete: true},
		{Key: q.getIndexKey(externalID), Delete: true},
	})
}

// List returns the jobs of a status in FIFO order
func (q *Queue) List(status JobStatus) ([]*Job, error) {
	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(status))
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(kvs))
	for _, kv := range kvs {
		job, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Warn("skip undecodable job", "key", string(kv.Key), "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *Queue) Count(status JobStatus) (int64, error) {
	return q.db.CountKeysByPrefix(q.getQueueKeyPrefix(status))
}

// Clear drops every job of a status
func (q *Queue) Clear(status JobStatus) error {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(status))
	if err != nil {
		return err
	}

	mutations := make([]storage.Mutation, 0, len(kvs)*2)
	for _, kv := range kvs {
		mutations = append(mutations, storage.Mutation{Key: kv.Key, Delete: true})
		if job, err := decodeJob(kv.Value); err == nil {
			mutations = append(mutations, storage.Mutation{Key: q.getIndexKey(job.ExternalID), Delete: true})
		}
	}

	return q.db.Apply(mutations)
}

func (q *Queue) lookup(externalID string) ([]byte, []byte, error) {
	key, err := q.db.GetKey(q.getIndexKey(externalID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil, ErrJobNotFound
		}
		return nil, nil, err
	}

	value, err := q.db.GetKey(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil, ErrJobNotFound
		}
		return nil, nil, err
	}

	return key, value, nil
}

func (q *Queue) parseJobID(key []byte) (uint64, error) {
	parts := strings.Split(string(key), ":")
	return strconv.ParseUint(parts[len(parts)-1], 10, 64)
}

func (q *Queue) getQueueKeyPrefix(status JobStatus) []byte {
	return []byte(fmt.Sprintf("q:%s:%v:", q.prefix, status))
}

func (q *Queue) getJobKey(status JobStatus, jID uint64) []byte {
	return append(q.getQueueKeyPrefix(status), []byte(fmt.Sprintf("%020d", jID))...)
}

func (q *Queue) getIndexKey(externalID string) []byte {
	return []byte(fmt.Sprintf("q:%s:idx:%s", q.prefix, externalID))
}
