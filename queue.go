package orderwire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// locally-originated writes buffered while the backend is unreachable.
// mutations are replayed oldest first. enqueue order approximates causal
// order for independent writes, which is all this domain needs; conflicting
// edits to the same record do not originate from one offline device.

type MutationKind string

const (
	MutationKindOrder      MutationKind = "order"
	MutationKindWaiterCall MutationKind = "waiterCall"
)

type QueuedMutation struct {
	Id         Id
	Kind       MutationKind
	Data       json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// replays one mutation against the backend-of-record
type SubmitFunction = func(ctx context.Context, mutation *QueuedMutation) error

// called when a mutation exceeds the retry ceiling and is dropped.
// this is a deliberate data-loss boundary and must stay observable.
type EvictFunction = func(mutation *QueuedMutation, err error)

type PendingCountFunction = func(pendingCount int)

type MutationQueueSettings struct {
	// a mutation whose retry count exceeds this is evicted
	MaxRetryCount int
}

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		MaxRetryCount: 5,
	}
}

type MutationQueue struct {
	ctx context.Context

	store  *LocalStore
	submit SubmitFunction

	settings *MutationQueueSettings

	// at most one drain runs at a time
	drainLock sync.Mutex

	evictCallbacks        *CallbackList[EvictFunction]
	pendingCountCallbacks *CallbackList[PendingCountFunction]
}

func NewMutationQueueWithDefaults(
	ctx context.Context,
	store *LocalStore,
	submit SubmitFunction,
) *MutationQueue {
	return NewMutationQueue(ctx, store, submit, DefaultMutationQueueSettings())
}

func NewMutationQueue(
	ctx context.Context,
	store *LocalStore,
	submit SubmitFunction,
	settings *MutationQueueSettings,
) *MutationQueue {
	return &MutationQueue{
		ctx:                   ctx,
		store:                 store,
		submit:                submit,
		settings:              settings,
		evictCallbacks:        NewCallbackList[EvictFunction](),
		pendingCountCallbacks: NewCallbackList[PendingCountFunction](),
	}
}

func (self *MutationQueue) AddEvictCallback(evictCallback EvictFunction) func() {
	callbackId := self.evictCallbacks.Add(evictCallback)
	return func() {
		self.evictCallbacks.Remove(callbackId)
	}
}

// drives user-visible "N pending" indicators
func (self *MutationQueue) AddPendingCountCallback(pendingCountCallback PendingCountFunction) func() {
	callbackId := self.pendingCountCallbacks.Add(pendingCountCallback)
	return func() {
		self.pendingCountCallbacks.Remove(callbackId)
	}
}

// returns once the mutation is durably stored
func (self *MutationQueue) Enqueue(kind MutationKind, data any) (Id, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return Id{}, err
	}

	id := NewId()
	enqueuedAt := time.Now()
	_, err = self.store.db.Exec(
		`INSERT INTO mutations (id, kind, data, enqueued_at, retry_count) VALUES (?, ?, ?, ?, 0)`,
		id.String(), string(kind), string(dataBytes), enqueuedAt.UnixMilli(),
	)
	if err != nil {
		return Id{}, err
	}

	glog.V(2).Infof("[q]enqueue %s %s\n", kind, id)
	self.notifyPendingCount()
	return id, nil
}

// count of queued, unsynced mutations. always recomputed from storage.
func (self *MutationQueue) Size() int {
	var count int
	err := self.store.db.QueryRow(`SELECT COUNT(*) FROM mutations`).Scan(&count)
	if err != nil {
		glog.Infof("[q]size error = %s\n", err)
		return 0
	}
	return count
}

// replays every queued mutation, oldest first. a call while another drain is
// in progress is a no-op that returns immediately.
func (self *MutationQueue) Drain() {
	if !self.drainLock.TryLock() {
		// a drain is already in progress
		return
	}
	defer self.drainLock.Unlock()

	mutations, err := self.queuedMutations()
	if err != nil {
		glog.Infof("[q]drain read error = %s\n", err)
		return
	}
	if len(mutations) == 0 {
		return
	}

	glog.V(2).Infof("[q]drain %d\n", len(mutations))
	for _, mutation := range mutations {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := self.submit(self.ctx, mutation)
		if err == nil {
			self.remove(mutation.Id)
			glog.V(2).Infof("[q]synced %s %s\n", mutation.Kind, mutation.Id)
			continue
		}

		mutation.RetryCount += 1
		if self.settings.MaxRetryCount < mutation.RetryCount {
			// permanent failure. drop and report, never silently.
			self.remove(mutation.Id)
			glog.Infof("[q]evict %s %s after %d attempts = %s\n", mutation.Kind, mutation.Id, mutation.RetryCount, err)
			for _, evictCallback := range self.evictCallbacks.Get() {
				HandleError(func() {
					evictCallback(mutation, err)
				})
			}
		} else {
			_, updateErr := self.store.db.Exec(
				`UPDATE mutations SET retry_count = ? WHERE id = ?`,
				mutation.RetryCount, mutation.Id.String(),
			)
			if updateErr != nil {
				glog.Infof("[q]retry count update error = %s\n", updateErr)
			}
			glog.V(2).Infof("[q]retry %s %s (%d) = %s\n", mutation.Kind, mutation.Id, mutation.RetryCount, err)
		}
	}

	self.notifyPendingCount()
}

func (self *MutationQueue) queuedMutations() ([]*QueuedMutation, error) {
	rows, err := self.store.db.Query(
		`SELECT id, kind, data, enqueued_at, retry_count FROM mutations ORDER BY enqueued_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mutations := []*QueuedMutation{}
	for rows.Next() {
		var idStr string
		var kind string
		var data string
		var enqueuedAtMillis int64
		var retryCount int
		if err := rows.Scan(&idStr, &kind, &data, &enqueuedAtMillis, &retryCount); err != nil {
			return nil, err
		}
		id, err := ParseId(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt mutation id %s: %w", idStr, err)
		}
		mutations = append(mutations, &QueuedMutation{
			Id:         id,
			Kind:       MutationKind(kind),
			Data:       json.RawMessage(data),
			EnqueuedAt: time.UnixMilli(enqueuedAtMillis),
			RetryCount: retryCount,
		})
	}
	return mutations, rows.Err()
}

func (self *MutationQueue) remove(id Id) {
	_, err := self.store.db.Exec(`DELETE FROM mutations WHERE id = ?`, id.String())
	if err != nil {
		glog.Infof("[q]remove error = %s\n", err)
	}
}

func (self *MutationQueue) notifyPendingCount() {
	callbacks := self.pendingCountCallbacks.Get()
	if len(callbacks) == 0 {
		return
	}
	pendingCount := self.Size()
	for _, pendingCountCallback := range callbacks {
		HandleError(func() {
			pendingCountCallback(pendingCount)
		})
	}
}

// the default wiring from mutation kinds to backend endpoints
func NewBackendSubmit(api *BackendApi) SubmitFunction {
	return func(ctx context.Context, mutation *QueuedMutation) error {
		switch mutation.Kind {
		case MutationKindOrder:
			order := &Order{}
			if err := json.Unmarshal(mutation.Data, order); err != nil {
				return err
			}
			_, err := api.CreateOrderSync(order)
			return err
		case MutationKindWaiterCall:
			waiterCall := &WaiterCall{}
			if err := json.Unmarshal(mutation.Data, waiterCall); err != nil {
				return err
			}
			_, err := api.CreateWaiterCallSync(waiterCall)
			return err
		default:
			return fmt.Errorf("unknown mutation kind: %s", mutation.Kind)
		}
	}
}
