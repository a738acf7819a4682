package orderwire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// the orchestrating state machine. owns the materialized entity collections
// presented to consumers; consumers never read from the network or the queue
// directly. collections are replaced whole on refresh, never patched.
//
// state machine:
// SyncStateUninitialized
//
//	-> SyncStateLoading
//	  -> SyncStateReady
//	  -> SyncStateError (recoverable, retried on `Start` or reconnect)
type SyncState string

const (
	SyncStateUninitialized SyncState = "uninitialized"
	SyncStateLoading       SyncState = "loading"
	SyncStateReady         SyncState = "ready"
	SyncStateError         SyncState = "error"
)

type StateFunction = func(state SyncState, errorReason string)

type ChangeFunction = func(collection CollectionName)

// which collections a change notification refreshes.
// a bill update settles a payment, so bills and transactions move together.
// menu items and categories are edited together on the admin screens and
// ship as one MENU_UPDATE.
var messageTypeCollections = map[string][]CollectionName{
	MessageTypeMenuUpdate:     {CollectionMenuItems, CollectionCategories},
	MessageTypeOrderUpdate:    {CollectionOrders},
	MessageTypeBillUpdate:     {CollectionBills, CollectionTransactions},
	MessageTypeCustomerUpdate: {CollectionCustomers},
	MessageTypeWaiterCall:     {CollectionWaiterCalls},
	MessageTypeSettingsUpdate: {CollectionSettings},
	MessageTypeExpenseUpdate:  {CollectionExpenses},
	MessageTypeStaffUpdate:    {CollectionStaff},
}

var allCollections = []CollectionName{
	CollectionMenuItems,
	CollectionCategories,
	CollectionOrders,
	CollectionBills,
	CollectionCustomers,
	CollectionStaff,
	CollectionSettings,
	CollectionExpenses,
	CollectionWaiterCalls,
	CollectionTransactions,
}

type SyncCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	api   *BackendApi
	store *LocalStore
	queue *MutationQueue
	push  *PushClient

	stateLock   sync.Mutex
	state       SyncState
	errorReason string
	subscribed  bool
	seeded      bool

	menuItems    []*MenuItem
	categories   []*Category
	orders       []*Order
	bills        []*Bill
	customers    []*Customer
	staff        []*Staff
	settings     *AppSettings
	expenses     []*Expense
	waiterCalls  []*WaiterCall
	transactions []*Transaction

	// fetch generation per collection. a fetch that completes after a fetch
	// issued later is stale and discarded (last-fetch-wins by issue order).
	issuedSeq  map[CollectionName]uint64
	appliedSeq map[CollectionName]uint64

	stateCallbacks  *CallbackList[StateFunction]
	changeCallbacks *CallbackList[ChangeFunction]

	unsubs []func()
}

func NewSyncCoordinator(
	ctx context.Context,
	api *BackendApi,
	store *LocalStore,
	queue *MutationQueue,
	push *PushClient,
) *SyncCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		store:           store,
		queue:           queue,
		push:            push,
		state:           SyncStateUninitialized,
		issuedSeq:       map[CollectionName]uint64{},
		appliedSeq:      map[CollectionName]uint64{},
		stateCallbacks:  NewCallbackList[StateFunction](),
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *SyncCoordinator) AddStateCallback(stateCallback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// fired after a collection snapshot is replaced
func (self *SyncCoordinator) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SyncCoordinator) ErrorReason() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.errorReason
}

// activates the machine. a call while loading or ready is a no-op.
// from the error state this is the "try again" affordance.
func (self *SyncCoordinator) Start() {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		switch self.state {
		case SyncStateUninitialized, SyncStateError:
			self.state = SyncStateLoading
			self.errorReason = ""
			return true
		default:
			return false
		}
	}()
	if !ok {
		return
	}
	self.notifyState(SyncStateLoading, "")

	go self.activate()
}

func (self *SyncCoordinator) Close() {
	self.cancel()

	unsubs := func() []func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubs := self.unsubs
		self.unsubs = nil
		return unsubs
	}()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (self *SyncCoordinator) activate() {
	// total unreachability is fatal to entering ready. individual collection
	// failures later are not.
	if !self.api.CheckHealthSync() {
		reason := fmt.Sprintf("backend unreachable at %s", self.api.Url())
		glog.Infof("[sc]health probe failed = %s\n", reason)
		self.setError(reason)
		return
	}

	self.subscribe()
	self.refreshAll()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = SyncStateReady
	}()
	self.notifyState(SyncStateReady, "")
	glog.Infof("[sc]ready\n")

	// replay writes buffered while offline, then open the push channel
	self.queue.Drain()
	self.push.Connect()
}

func (self *SyncCoordinator) subscribe() {
	self.stateLock.Lock()
	if self.subscribed {
		self.stateLock.Unlock()
		return
	}
	self.subscribed = true
	self.stateLock.Unlock()

	unsubs := []func(){}
	for messageType, collections := range messageTypeCollections {
		collections := collections
		unsub := self.push.On(messageType, func(data json.RawMessage) {
			// notifications are idempotent refetch triggers. the payload only
			// justifies the refetch, it is never merged.
			go self.refreshCollections(collections)
		})
		unsubs = append(unsubs, unsub)
	}

	unsub := self.push.On(MessageTypeConnection, func(data json.RawMessage) {
		if self.push.IsConnected() && self.State() == SyncStateReady {
			// a reconnect is treated like a first load, to catch changes
			// missed while disconnected
			glog.Infof("[sc]reconnected, full refresh\n")
			go func() {
				self.refreshAll()
				self.queue.Drain()
			}()
		}
	})
	unsubs = append(unsubs, unsub)

	published := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.ctx.Err() != nil {
			return false
		}
		self.unsubs = append(self.unsubs, unsubs...)
		return true
	}()
	if !published {
		// closed while subscribing. release the handlers right away.
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// wire as the connectivity monitor's status callback
func (self *SyncCoordinator) HandleOnlineStatus(online bool) {
	if !online {
		return
	}
	switch self.State() {
	case SyncStateError:
		self.Start()
	case SyncStateReady:
		go self.refreshAll()
	}
}

// manual full refresh
func (self *SyncCoordinator) Refresh() {
	if self.State() == SyncStateReady {
		go self.refreshAll()
	}
}

func (self *SyncCoordinator) refreshAll() {
	self.refreshCollections(allCollections)
}

// fetches the named collections in parallel. a failing collection falls back
// to its cached or previous value so that one failing endpoint does not
// block the rest of the application.
func (self *SyncCoordinator) refreshCollections(collections []CollectionName) {
	synced := atomic.Bool{}
	wg := sync.WaitGroup{}
	for _, collection := range collections {
		collection := collection
		wg.Add(1)
		go func() {
			defer wg.Done()
			HandleError(func() {
				if self.refreshCollection(collection) {
					synced.Store(true)
				}
			})
		}()
	}
	wg.Wait()

	// the cursor only advances when something was actually fetched. a refresh
	// where every endpoint failed must not look like a fresh sync.
	if !synced.Load() {
		return
	}
	if err := self.store.SetLastSyncTime(time.Now()); err != nil {
		glog.Infof("[sc]sync cursor write error = %s\n", err)
	}
}

// returns whether the backend fetch succeeded. a fallback to a cached or
// previous value is not a sync.
func (self *SyncCoordinator) refreshCollection(collection CollectionName) bool {
	seq := self.nextIssuedSeq(collection)
	glog.V(2).Infof("[sc]refresh %s (%d)\n", collection, seq)

	switch collection {
	case CollectionMenuItems:
		menuItems, err := self.api.GetMenuItemsSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			if cached, cacheErr := self.store.MenuItems(); cacheErr == nil {
				self.applyMenuItems(seq, cached, false)
			}
			return false
		}
		if len(menuItems) == 0 {
			if seeded := self.seedMenuItems(); seeded != nil {
				self.applyMenuItems(seq, seeded, true)
				return true
			}
		}
		self.applyMenuItems(seq, menuItems, true)
	case CollectionCategories:
		categories, err := self.api.GetCategoriesSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			if cached, cacheErr := self.store.Categories(); cacheErr == nil {
				self.applyCategories(seq, cached, false)
			}
			return false
		}
		self.applyCategories(seq, categories, true)
	case CollectionOrders:
		orders, err := self.api.GetOrdersSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.orders = orders })
	case CollectionBills:
		bills, err := self.api.GetBillsSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.bills = bills })
	case CollectionCustomers:
		customers, err := self.api.GetCustomersSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.customers = customers })
	case CollectionStaff:
		staff, err := self.api.GetStaffSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.staff = staff })
	case CollectionSettings:
		settings, err := self.api.GetSettingsSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			if cached, cacheErr := self.store.Settings(); cacheErr == nil && cached != nil {
				self.apply(collection, seq, func() { self.settings = cached })
			}
			return false
		}
		// settings always adopt the backend's value, even if empty
		if applied := self.apply(collection, seq, func() { self.settings = settings }); applied {
			if err := self.store.PutSettings(settings); err != nil {
				glog.Infof("[sc]cache %s write error = %s\n", collection, err)
			}
		}
	case CollectionExpenses:
		expenses, err := self.api.GetExpensesSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.expenses = expenses })
	case CollectionWaiterCalls:
		waiterCalls, err := self.api.GetWaiterCallsSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.waiterCalls = waiterCalls })
	case CollectionTransactions:
		transactions, err := self.api.GetTransactionsSync()
		if err != nil {
			glog.Infof("[sc]fetch %s error = %s\n", collection, err)
			return false
		}
		self.apply(collection, seq, func() { self.transactions = transactions })
	}
	return true
}

// seed rule: when the backend menu is empty but a local cache exists, the
// local cache is authoritative and the first writer seeds the shared
// database. each item is pushed one-by-one; a per-item failure is logged and
// the refresh proceeds with the subset that succeeded.
// returns nil when there is nothing to seed.
func (self *SyncCoordinator) seedMenuItems() []*MenuItem {
	alreadySeeded := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.seeded {
			return true
		}
		self.seeded = true
		return false
	}()
	if alreadySeeded {
		return nil
	}

	cached, err := self.store.MenuItems()
	if err != nil || len(cached) == 0 {
		return nil
	}

	glog.Infof("[sc]seeding backend menu with %d local items\n", len(cached))
	seeded := []*MenuItem{}
	for _, menuItem := range cached {
		result, err := self.api.CreateMenuItemSync(menuItem)
		if err != nil {
			glog.Infof("[sc]seed push failed %s = %s\n", menuItem.Name, err)
			continue
		}
		// server-assigned identifiers are preserved
		seeded = append(seeded, result)
	}
	return seeded
}

func (self *SyncCoordinator) applyMenuItems(seq uint64, menuItems []*MenuItem, writeCache bool) {
	if applied := self.apply(CollectionMenuItems, seq, func() { self.menuItems = menuItems }); applied && writeCache {
		if err := self.store.PutMenuItems(menuItems); err != nil {
			glog.Infof("[sc]cache menuItems write error = %s\n", err)
		}
	}
}

func (self *SyncCoordinator) applyCategories(seq uint64, categories []*Category, writeCache bool) {
	if applied := self.apply(CollectionCategories, seq, func() { self.categories = categories }); applied && writeCache {
		if err := self.store.PutCategories(categories); err != nil {
			glog.Infof("[sc]cache categories write error = %s\n", err)
		}
	}
}

func (self *SyncCoordinator) nextIssuedSeq(collection CollectionName) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.issuedSeq[collection] += 1
	return self.issuedSeq[collection]
}

// replaces the materialized snapshot unless a later-issued fetch already
// applied. returns whether the snapshot was replaced.
func (self *SyncCoordinator) apply(collection CollectionName, seq uint64, set func()) bool {
	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if seq <= self.appliedSeq[collection] {
			// a newer fetch already landed
			return false
		}
		self.appliedSeq[collection] = seq
		set()
		return true
	}()
	if !applied {
		glog.V(2).Infof("[sc]discard stale %s (%d)\n", collection, seq)
		return false
	}

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback := changeCallback
		HandleError(func() {
			changeCallback(collection)
		})
	}
	return true
}

func (self *SyncCoordinator) setError(errorReason string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = SyncStateError
		self.errorReason = errorReason
	}()
	self.notifyState(SyncStateError, errorReason)
}

func (self *SyncCoordinator) notifyState(state SyncState, errorReason string) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback := stateCallback
		HandleError(func() {
			stateCallback(state, errorReason)
		})
	}
}

// materialized snapshot getters. all return copies.

func (self *SyncCoordinator) MenuItems() []*MenuItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.menuItems)
}

func (self *SyncCoordinator) Categories() []*Category {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.categories)
}

func (self *SyncCoordinator) Orders() []*Order {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.orders)
}

func (self *SyncCoordinator) Bills() []*Bill {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.bills)
}

func (self *SyncCoordinator) Customers() []*Customer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.customers)
}

func (self *SyncCoordinator) Staff() []*Staff {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.staff)
}

func (self *SyncCoordinator) Settings() *AppSettings {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.settings == nil {
		return nil
	}
	settings := *self.settings
	return &settings
}

func (self *SyncCoordinator) Expenses() []*Expense {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.expenses)
}

func (self *SyncCoordinator) WaiterCalls() []*WaiterCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.waiterCalls)
}

func (self *SyncCoordinator) Transactions() []*Transaction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.transactions)
}

// last successful sync cursor, for staleness display only
func (self *SyncCoordinator) LastSyncTime() (time.Time, bool) {
	lastSyncTime, ok, err := self.store.LastSyncTime()
	if err != nil {
		glog.Infof("[sc]sync cursor read error = %s\n", err)
		return time.Time{}, false
	}
	return lastSyncTime, ok
}

// count of locally buffered writes not yet acknowledged by the backend
func (self *SyncCoordinator) PendingCount() int {
	return self.queue.Size()
}

// two-phase local write: durably enqueue, then attempt an immediate drain so
// the write confirms right away when the backend is reachable
func (self *SyncCoordinator) EnqueueOrder(order *Order) (Id, error) {
	id, err := self.queue.Enqueue(MutationKindOrder, order)
	if err != nil {
		return Id{}, err
	}
	go self.queue.Drain()
	return id, nil
}

func (self *SyncCoordinator) EnqueueWaiterCall(waiterCall *WaiterCall) (Id, error) {
	id, err := self.queue.Enqueue(MutationKindWaiterCall, waiterCall)
	if err != nil {
		return Id{}, err
	}
	go self.queue.Drain()
	return id, nil
}
