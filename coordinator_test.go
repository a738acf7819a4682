package orderwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// in-process backend-of-record with a push endpoint
type testBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	lock    sync.Mutex
	healthy bool
	nextId  int

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

	// paths that respond 500
	failPaths map[string]bool

	wsConns []*websocket.Conn
}

func newTestBackend(t *testing.T) *testBackend {
	tb := &testBackend{
		healthy:   true,
		settings:  &AppSettings{},
		failPaths: map[string]bool{},
	}
	tb.server = httptest.NewServer(http.HandlerFunc(tb.handle))
	t.Cleanup(tb.server.Close)
	return tb
}

func (self *testBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		ws, err := self.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		self.lock.Lock()
		self.wsConns = append(self.wsConns, ws)
		self.lock.Unlock()
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		return
	}

	self.lock.Lock()
	defer self.lock.Unlock()

	if r.URL.Path == "/api/health" {
		if self.healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	if self.failPaths[r.URL.Path] {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if r.Method == "POST" {
		switch r.URL.Path {
		case "/api/menu":
			menuItem := &MenuItem{}
			json.NewDecoder(r.Body).Decode(menuItem)
			self.nextId += 1
			menuItem.Id = fmt.Sprintf("srv-%d", self.nextId)
			self.menuItems = append(self.menuItems, menuItem)
			json.NewEncoder(w).Encode(menuItem)
		case "/api/orders":
			order := &Order{}
			json.NewDecoder(r.Body).Decode(order)
			self.nextId += 1
			order.Id = fmt.Sprintf("srv-%d", self.nextId)
			self.orders = append(self.orders, order)
			json.NewEncoder(w).Encode(order)
		case "/api/waiter-calls":
			waiterCall := &WaiterCall{}
			json.NewDecoder(r.Body).Decode(waiterCall)
			self.nextId += 1
			waiterCall.Id = fmt.Sprintf("srv-%d", self.nextId)
			self.waiterCalls = append(self.waiterCalls, waiterCall)
			json.NewEncoder(w).Encode(waiterCall)
		default:
			http.NotFound(w, r)
		}
		return
	}

	var value any
	switch r.URL.Path {
	case "/api/menu":
		value = self.menuItems
	case "/api/categories":
		value = self.categories
	case "/api/orders":
		value = self.orders
	case "/api/bills":
		value = self.bills
	case "/api/customers":
		value = self.customers
	case "/api/staff":
		value = self.staff
	case "/api/settings":
		value = self.settings
	case "/api/expenses":
		value = self.expenses
	case "/api/waiter-calls":
		value = self.waiterCalls
	case "/api/transactions":
		value = self.transactions
	default:
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(value)
}

func (self *testBackend) push(t *testing.T, messageType string, data string) {
	message := fmt.Sprintf(`{"type":%q,"data":%s}`, messageType, data)
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, ws := range self.wsConns {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
			t.Fatalf("push: %s", err)
		}
	}
}

func (self *testBackend) closeWsConns() {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, ws := range self.wsConns {
		ws.Close()
	}
	self.wsConns = nil
}

func (self *testBackend) setHealthy(healthy bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.healthy = healthy
}

func newTestCoordinator(t *testing.T, tb *testBackend, dataDir string) (*SyncCoordinator, *LocalStore) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := OpenLocalStore(dataDir)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})

	api := NewBackendApiWithContext(ctx, tb.server.URL)
	queue := NewMutationQueueWithDefaults(ctx, store, NewBackendSubmit(api))
	push := NewPushClient(ctx, api.PushUrl(), testPushClientSettings())
	coordinator := NewSyncCoordinator(ctx, api, store, queue, push)
	t.Cleanup(func() {
		push.Disconnect()
		coordinator.Close()
	})
	return coordinator, store
}

func TestCoordinatorInitialLoad(t *testing.T) {
	tb := newTestBackend(t)
	tb.menuItems = []*MenuItem{
		{Id: "m1", Name: "Espresso", Price: 2.5, Available: true},
	}
	tb.categories = []*Category{
		{Id: "c1", Name: "Coffee"},
	}
	tb.orders = []*Order{
		{Id: "o1", TableId: "t1", Status: "open"},
	}
	tb.settings = &AppSettings{RestaurantName: "Cafe Test"}

	coordinator, store := newTestCoordinator(t, tb, t.TempDir())
	assert.Equal(t, coordinator.State(), SyncStateUninitialized)

	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})

	menuItems := coordinator.MenuItems()
	assert.Equal(t, len(menuItems), 1)
	assert.Equal(t, menuItems[0].Id, "m1")
	assert.Equal(t, len(coordinator.Categories()), 1)
	assert.Equal(t, len(coordinator.Orders()), 1)
	assert.Equal(t, coordinator.Settings().RestaurantName, "Cafe Test")

	// read-mostly collections are cached for offline reads
	cached, err := store.MenuItems()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(cached), 1)
	assert.Equal(t, cached[0].Id, "m1")

	// the sync cursor is persisted
	_, ok := coordinator.LastSyncTime()
	assert.Equal(t, ok, true)
}

func TestCoordinatorHealthFailure(t *testing.T) {
	tb := newTestBackend(t)
	tb.setHealthy(false)

	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())
	coordinator.Start()

	// total unreachability is fatal to entering ready, with a reason
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateError
	})
	assert.Equal(t, coordinator.ErrorReason(), fmt.Sprintf("backend unreachable at %s", tb.server.URL))

	// the error state is recoverable via try-again
	tb.setHealthy(true)
	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})
	assert.Equal(t, coordinator.ErrorReason(), "")
}

func TestCoordinatorSeedsEmptyBackendMenu(t *testing.T) {
	tb := newTestBackend(t)
	dataDir := t.TempDir()

	// a previous offline session built a local menu
	store, err := OpenLocalStore(dataDir)
	assert.Equal(t, err, nil)
	err = store.PutMenuItems([]*MenuItem{
		{Name: "Espresso", Price: 2.5, Available: true},
		{Name: "Flat White", Price: 3.5, Available: true},
		{Name: "Cortado", Price: 3.0, Available: true},
	})
	assert.Equal(t, err, nil)
	err = store.Close()
	assert.Equal(t, err, nil)

	coordinator, _ := newTestCoordinator(t, tb, dataDir)
	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})

	// the first writer seeds the shared database
	tb.lock.Lock()
	assert.Equal(t, len(tb.menuItems), 3)
	tb.lock.Unlock()

	menuItems := coordinator.MenuItems()
	assert.Equal(t, len(menuItems), 3)
	names := map[string]bool{}
	for _, menuItem := range menuItems {
		// server-assigned identifiers are preserved
		assert.MatchRegex(t, menuItem.Id, `^srv-\d+$`)
		names[menuItem.Name] = true
	}
	assert.Equal(t, len(names), 3)
}

func TestCoordinatorBillUpdateRefreshesBillsAndTransactions(t *testing.T) {
	tb := newTestBackend(t)
	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())

	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady && coordinator.push.IsConnected()
	})
	assert.Equal(t, len(coordinator.Bills()), 0)
	assert.Equal(t, len(coordinator.Transactions()), 0)

	tb.lock.Lock()
	tb.bills = []*Bill{
		{Id: "b1", OrderId: "o1", Total: 12.5, Paid: true},
	}
	tb.transactions = []*Transaction{
		{Id: "tx1", BillId: "b1", Amount: 12.5, Method: "card"},
	}
	tb.lock.Unlock()

	// one notification refreshes both collections
	tb.push(t, MessageTypeBillUpdate, `{"billId":"b1"}`)
	waitFor(t, 5*time.Second, func() bool {
		return len(coordinator.Bills()) == 1 && len(coordinator.Transactions()) == 1
	})
	assert.Equal(t, coordinator.Bills()[0].Id, "b1")
	assert.Equal(t, coordinator.Transactions()[0].Id, "tx1")
}

func TestCoordinatorNotificationIdempotent(t *testing.T) {
	tb := newTestBackend(t)
	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())

	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady && coordinator.push.IsConnected()
	})

	tb.lock.Lock()
	tb.orders = []*Order{
		{Id: "o1", TableId: "t1", Status: "open"},
	}
	tb.lock.Unlock()

	// the same notification twice only causes a redundant refetch
	tb.push(t, MessageTypeOrderUpdate, `{"orderId":"o1"}`)
	tb.push(t, MessageTypeOrderUpdate, `{"orderId":"o1"}`)
	waitFor(t, 5*time.Second, func() bool {
		orders := coordinator.Orders()
		return len(orders) == 1 && orders[0].Id == "o1"
	})
}

func TestCoordinatorReconnectTriggersFullRefresh(t *testing.T) {
	tb := newTestBackend(t)
	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())

	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady && coordinator.push.IsConnected()
	})

	// a change lands while the channel is down
	tb.lock.Lock()
	tb.orders = []*Order{
		{Id: "o9", TableId: "t9", Status: "open"},
	}
	tb.lock.Unlock()

	tb.closeWsConns()

	// reconnection is treated like a first load
	waitFor(t, 10*time.Second, func() bool {
		orders := coordinator.Orders()
		return len(orders) == 1 && orders[0].Id == "o9"
	})
}

func TestCoordinatorCollectionFetchFailureTolerated(t *testing.T) {
	tb := newTestBackend(t)
	tb.menuItems = []*MenuItem{
		{Id: "m1", Name: "Espresso", Price: 2.5, Available: true},
	}
	tb.failPaths["/api/orders"] = true

	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())
	coordinator.Start()

	// one failing endpoint does not block the rest of the application
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})
	assert.Equal(t, len(coordinator.MenuItems()), 1)
	assert.Equal(t, len(coordinator.Orders()), 0)
}

func TestCoordinatorMenuFetchFailureServesCache(t *testing.T) {
	tb := newTestBackend(t)
	tb.failPaths["/api/menu"] = true
	dataDir := t.TempDir()

	store, err := OpenLocalStore(dataDir)
	assert.Equal(t, err, nil)
	err = store.PutMenuItems([]*MenuItem{
		{Id: "m1", Name: "Espresso", Price: 2.5, Available: true},
	})
	assert.Equal(t, err, nil)
	err = store.Close()
	assert.Equal(t, err, nil)

	coordinator, _ := newTestCoordinator(t, tb, dataDir)
	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})

	// the cached snapshot serves reads while the endpoint is down
	menuItems := coordinator.MenuItems()
	assert.Equal(t, len(menuItems), 1)
	assert.Equal(t, menuItems[0].Id, "m1")
}

func TestCoordinatorSyncCursorRequiresFetch(t *testing.T) {
	tb := newTestBackend(t)
	tb.lock.Lock()
	for _, path := range []string{
		"/api/menu", "/api/categories", "/api/orders", "/api/bills",
		"/api/customers", "/api/staff", "/api/settings", "/api/expenses",
		"/api/waiter-calls", "/api/transactions",
	} {
		tb.failPaths[path] = true
	}
	tb.lock.Unlock()

	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())
	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})

	// every fetch failed, so the staleness display must not claim a sync
	_, ok := coordinator.LastSyncTime()
	assert.Equal(t, ok, false)

	tb.lock.Lock()
	tb.failPaths = map[string]bool{}
	tb.lock.Unlock()

	coordinator.Refresh()
	waitFor(t, 5*time.Second, func() bool {
		_, ok := coordinator.LastSyncTime()
		return ok
	})
}

func TestCoordinatorCloseDuringStart(t *testing.T) {
	tb := newTestBackend(t)
	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())

	// a close racing a just-started activation must still release every
	// push subscription
	coordinator.Start()
	coordinator.Close()

	waitFor(t, 5*time.Second, func() bool {
		coordinator.push.stateLock.Lock()
		defer coordinator.push.stateLock.Unlock()
		for _, callbacks := range coordinator.push.notificationCallbacks {
			if 0 < len(callbacks.Get()) {
				return false
			}
		}
		return true
	})
}

func TestCoordinatorStaleFetchDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := OpenLocalStore(t.TempDir())
	assert.Equal(t, err, nil)
	defer store.Close()

	coordinator := NewSyncCoordinator(ctx, NewBackendApiWithContext(ctx, "http://127.0.0.1:1"), store, nil, nil)

	// two fetches issued, the earlier one completes last
	seq1 := coordinator.nextIssuedSeq(CollectionOrders)
	seq2 := coordinator.nextIssuedSeq(CollectionOrders)

	applied := coordinator.apply(CollectionOrders, seq2, func() {
		coordinator.orders = []*Order{{Id: "newer"}}
	})
	assert.Equal(t, applied, true)

	// last-fetch-wins by issue order, not completion order
	applied = coordinator.apply(CollectionOrders, seq1, func() {
		coordinator.orders = []*Order{{Id: "older"}}
	})
	assert.Equal(t, applied, false)

	orders := coordinator.Orders()
	assert.Equal(t, len(orders), 1)
	assert.Equal(t, orders[0].Id, "newer")
}

func TestCoordinatorEnqueueWhileOffline(t *testing.T) {
	tb := newTestBackend(t)
	coordinator, _ := newTestCoordinator(t, tb, t.TempDir())

	coordinator.Start()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.State() == SyncStateReady
	})

	// backend goes away mid-session
	tb.lock.Lock()
	tb.healthy = false
	tb.failPaths["/api/orders"] = true
	tb.failPaths["/api/waiter-calls"] = true
	tb.lock.Unlock()

	_, err := coordinator.EnqueueOrder(&Order{TableId: "t1", Status: "open", Items: []*OrderItem{
		{MenuItemId: "m1", Name: "Espresso", Quantity: 2, Price: 2.5},
	}})
	assert.Equal(t, err, nil)
	_, err = coordinator.EnqueueWaiterCall(&WaiterCall{TableId: "t1", Reason: "check please"})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return coordinator.PendingCount() == 2
	})

	// connectivity returns
	tb.lock.Lock()
	tb.healthy = true
	delete(tb.failPaths, "/api/orders")
	delete(tb.failPaths, "/api/waiter-calls")
	tb.lock.Unlock()

	coordinator.queue.Drain()
	waitFor(t, 5*time.Second, func() bool {
		return coordinator.PendingCount() == 0
	})

	tb.lock.Lock()
	defer tb.lock.Unlock()
	assert.Equal(t, len(tb.orders), 1)
	assert.Equal(t, len(tb.waiterCalls), 1)
	assert.Equal(t, tb.orders[0].TableId, "t1")
}
