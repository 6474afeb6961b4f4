package mempool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/AvaProtocol/ap-bundler/model"
)

type Stage string

const (
	StageOutstanding Stage = "outstanding"
	StageProcessing  Stage = "processing"
	StageSubmitted   Stage = "submitted"
)

var Stages = []Stage{StageOutstanding, StageProcessing, StageSubmitted}

func ParseStage(s string) (Stage, error) {
	for _, stage := range Stages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown mempool store %q", s)
}

// Collection is one ordered stage of the mempool, keyed by userOpHash.
// Implementations are not safe for concurrent use; the Mempool serializes access.
type Collection[V any] interface {
	Add(hash common.Hash, v V) error
	// Replace swaps the entry at old for v under hash, keeping its position
	Replace(old, hash common.Hash, v V) error
	Remove(hash common.Hash) (V, error)
	Get(hash common.Hash) (V, bool)
	Values() []V
	Len() int
	Clear() error
}

var errEntryNotFound = errors.New("entry not found")

// Store holds the three disjoint stages
type Store struct {
	outstanding Collection[*model.UserOpInfo]
	processing  Collection[*model.UserOpInfo]
	submitted   Collection[*model.SubmittedUserOp]
}

func NewMemoryStore() *Store {
	return &Store{
		outstanding: newMemoryCollection[*model.UserOpInfo](),
		processing:  newMemoryCollection[*model.UserOpInfo](),
		submitted:   newMemoryCollection[*model.SubmittedUserOp](),
	}
}

type memoryCollection[V any] struct {
	entries *orderedmap.OrderedMap[common.Hash, V]
}

func newMemoryCollection[V any]() *memoryCollection[V] {
	return &memoryCollection[V]{
		entries: orderedmap.New[common.Hash, V](),
	}
}

func (c *memoryCollection[V]) Add(hash common.Hash, v V) error {
	if _, present := c.entries.Get(hash); present {
		return fmt.Errorf("%s already stored", hash.Hex())
	}
	c.entries.Set(hash, v)
	return nil
}

func (c *memoryCollection[V]) Replace(old, hash common.Hash, v V) error {
	if _, present := c.entries.Get(old); !present {
		return errEntryNotFound
	}
	if old == hash {
		c.entries.Set(hash, v)
		return nil
	}

	c.entries.Set(hash, v)
	if err := c.entries.MoveBefore(hash, old); err != nil {
		return err
	}
	c.entries.Delete(old)
	return nil
}

func (c *memoryCollection[V]) Remove(hash common.Hash) (V, error) {
	v, present := c.entries.Delete(hash)
	if !present {
		return v, errEntryNotFound
	}
	return v, nil
}

func (c *memoryCollection[V]) Get(hash common.Hash) (V, bool) {
	return c.entries.Get(hash)
}

func (c *memoryCollection[V]) Values() []V {
	values := make([]V, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		values = append(values, pair.Value)
	}
	return values
}

func (c *memoryCollection[V]) Len() int {
	return c.entries.Len()
}

func (c *memoryCollection[V]) Clear() error {
	c.entries = orderedmap.New[common.Hash, V]()
	return nil
}
