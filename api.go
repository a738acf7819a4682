package orderwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 15 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the health endpoint must respond sub-second. treat a slow response the
// same as an unreachable backend.
const defaultHealthTimeout = 1 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the backend-of-record data service. every device reconciles
// against this api; the push channel only tells a device when to refetch.
type BackendApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
}

func NewBackendApi(apiUrl string) *BackendApi {
	return NewBackendApiWithContext(context.Background(), apiUrl)
}

func NewBackendApiWithContext(ctx context.Context, apiUrl string) *BackendApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BackendApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
	}
}

func (self *BackendApi) Url() string {
	return self.apiUrl
}

// the push endpoint is derived from the api url: same host and port,
// transport upgraded to a websocket at /ws
func (self *BackendApi) PushUrl() string {
	pushUrl := self.apiUrl
	if after, ok := strings.CutPrefix(pushUrl, "https://"); ok {
		pushUrl = "wss://" + after
	} else if after, ok := strings.CutPrefix(pushUrl, "http://"); ok {
		pushUrl = "ws://" + after
	}
	return fmt.Sprintf("%s/ws", pushUrl)
}

func (self *BackendApi) Close() {
	self.cancel()
}

type GetMenuItemsCallback apiCallback[[]*MenuItem]

func (self *BackendApi) GetMenuItems(callback GetMenuItemsCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/menu", self.apiUrl), []*MenuItem{}, callback)
}

func (self *BackendApi) GetMenuItemsSync() ([]*MenuItem, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/menu", self.apiUrl), []*MenuItem{}, NewNoopApiCallback[[]*MenuItem]())
}

type GetCategoriesCallback apiCallback[[]*Category]

func (self *BackendApi) GetCategories(callback GetCategoriesCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/categories", self.apiUrl), []*Category{}, callback)
}

func (self *BackendApi) GetCategoriesSync() ([]*Category, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/categories", self.apiUrl), []*Category{}, NewNoopApiCallback[[]*Category]())
}

type GetOrdersCallback apiCallback[[]*Order]

func (self *BackendApi) GetOrders(callback GetOrdersCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/orders", self.apiUrl), []*Order{}, callback)
}

func (self *BackendApi) GetOrdersSync() ([]*Order, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/orders", self.apiUrl), []*Order{}, NewNoopApiCallback[[]*Order]())
}

type GetBillsCallback apiCallback[[]*Bill]

func (self *BackendApi) GetBills(callback GetBillsCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/bills", self.apiUrl), []*Bill{}, callback)
}

func (self *BackendApi) GetBillsSync() ([]*Bill, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/bills", self.apiUrl), []*Bill{}, NewNoopApiCallback[[]*Bill]())
}

type GetCustomersCallback apiCallback[[]*Customer]

func (self *BackendApi) GetCustomers(callback GetCustomersCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/customers", self.apiUrl), []*Customer{}, callback)
}

func (self *BackendApi) GetCustomersSync() ([]*Customer, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/customers", self.apiUrl), []*Customer{}, NewNoopApiCallback[[]*Customer]())
}

type GetStaffCallback apiCallback[[]*Staff]

func (self *BackendApi) GetStaff(callback GetStaffCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/staff", self.apiUrl), []*Staff{}, callback)
}

func (self *BackendApi) GetStaffSync() ([]*Staff, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/staff", self.apiUrl), []*Staff{}, NewNoopApiCallback[[]*Staff]())
}

type GetExpensesCallback apiCallback[[]*Expense]

func (self *BackendApi) GetExpenses(callback GetExpensesCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/expenses", self.apiUrl), []*Expense{}, callback)
}

func (self *BackendApi) GetExpensesSync() ([]*Expense, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/expenses", self.apiUrl), []*Expense{}, NewNoopApiCallback[[]*Expense]())
}

type GetWaiterCallsCallback apiCallback[[]*WaiterCall]

func (self *BackendApi) GetWaiterCalls(callback GetWaiterCallsCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/waiter-calls", self.apiUrl), []*WaiterCall{}, callback)
}

func (self *BackendApi) GetWaiterCallsSync() ([]*WaiterCall, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/waiter-calls", self.apiUrl), []*WaiterCall{}, NewNoopApiCallback[[]*WaiterCall]())
}

type GetTransactionsCallback apiCallback[[]*Transaction]

func (self *BackendApi) GetTransactions(callback GetTransactionsCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/transactions", self.apiUrl), []*Transaction{}, callback)
}

func (self *BackendApi) GetTransactionsSync() ([]*Transaction, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/transactions", self.apiUrl), []*Transaction{}, NewNoopApiCallback[[]*Transaction]())
}

type GetSettingsCallback apiCallback[*AppSettings]

// the settings collection is a singleton and exposes get only
func (self *BackendApi) GetSettings(callback GetSettingsCallback) {
	go get(self.ctx, fmt.Sprintf("%s/api/settings", self.apiUrl), &AppSettings{}, callback)
}

func (self *BackendApi) GetSettingsSync() (*AppSettings, error) {
	return get(self.ctx, fmt.Sprintf("%s/api/settings", self.apiUrl), &AppSettings{}, NewNoopApiCallback[*AppSettings]())
}

type CreateOrderCallback apiCallback[*Order]

func (self *BackendApi) CreateOrder(order *Order, callback CreateOrderCallback) {
	go post(self.ctx, fmt.Sprintf("%s/api/orders", self.apiUrl), order, &Order{}, callback)
}

func (self *BackendApi) CreateOrderSync(order *Order) (*Order, error) {
	return post(self.ctx, fmt.Sprintf("%s/api/orders", self.apiUrl), order, &Order{}, NewNoopApiCallback[*Order]())
}

type CreateWaiterCallCallback apiCallback[*WaiterCall]

func (self *BackendApi) CreateWaiterCall(waiterCall *WaiterCall, callback CreateWaiterCallCallback) {
	go post(self.ctx, fmt.Sprintf("%s/api/waiter-calls", self.apiUrl), waiterCall, &WaiterCall{}, callback)
}

func (self *BackendApi) CreateWaiterCallSync(waiterCall *WaiterCall) (*WaiterCall, error) {
	return post(self.ctx, fmt.Sprintf("%s/api/waiter-calls", self.apiUrl), waiterCall, &WaiterCall{}, NewNoopApiCallback[*WaiterCall]())
}

type CreateMenuItemCallback apiCallback[*MenuItem]

func (self *BackendApi) CreateMenuItem(menuItem *MenuItem, callback CreateMenuItemCallback) {
	go post(self.ctx, fmt.Sprintf("%s/api/menu", self.apiUrl), menuItem, &MenuItem{}, callback)
}

func (self *BackendApi) CreateMenuItemSync(menuItem *MenuItem) (*MenuItem, error) {
	return post(self.ctx, fmt.Sprintf("%s/api/menu", self.apiUrl), menuItem, &MenuItem{}, NewNoopApiCallback[*MenuItem]())
}

// an absent endpoint and a timeout count the same as an explicit failure
func (self *BackendApi) CheckHealthSync() bool {
	healthCtx, healthCancel := context.WithTimeout(self.ctx, defaultHealthTimeout)
	defer healthCancel()

	req, err := http.NewRequestWithContext(healthCtx, "GET", fmt.Sprintf("%s/api/health", self.apiUrl), nil)
	if err != nil {
		return false
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return false
	}
	defer r.Body.Close()
	io.Copy(io.Discard, r.Body)

	return http.StatusOK <= r.StatusCode && r.StatusCode < 300
}

func post[R any](ctx context.Context, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	// a 2xx response is the only success signal
	if r.StatusCode < http.StatusOK || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Accept", "application/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	if r.StatusCode < http.StatusOK || 300 <= r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
