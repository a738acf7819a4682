package orderwire

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// change notification types delivered over the push channel.
// unrecognized types are ignored without error.
const (
	MessageTypeMenuUpdate     = "MENU_UPDATE"
	MessageTypeOrderUpdate    = "ORDER_UPDATE"
	MessageTypeBillUpdate     = "BILL_UPDATE"
	MessageTypeCustomerUpdate = "CUSTOMER_UPDATE"
	MessageTypeWaiterCall     = "WAITER_CALL"
	MessageTypeSettingsUpdate = "SETTINGS_UPDATE"
	MessageTypeExpenseUpdate  = "EXPENSE_UPDATE"
	MessageTypeStaffUpdate    = "STAFF_UPDATE"
)

// synthetic type for channel status events, never sent on the wire
const MessageTypeConnection = "connection"

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

// wire envelope
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type NotificationFunction = func(data json.RawMessage)

// (ctx, url)
type WsDialContextFunc func(ctx context.Context, url string) (*websocket.Conn, error)

type PushClientSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	// reconnect delay is ReconnectBaseDelay * min(attempt, ReconnectDelayCap)
	ReconnectBaseDelay   time.Duration
	ReconnectDelayCap    int
	MaxReconnectAttempts int

	// test hook. nil uses the default websocket dialer.
	WsDialContext WsDialContextFunc
}

func DefaultPushClientSettings() *PushClientSettings {
	return &PushClientSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          30 * time.Second,
		PingTimeout:          10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectDelayCap:    5,
		MaxReconnectAttempts: 10,
	}
}

// a single long-lived channel to the backend's change-notification endpoint.
// one instance per process; `Connect` is safe to call redundantly.
type PushClient struct {
	ctx context.Context

	pushUrl  string
	settings *PushClientSettings

	stateLock        sync.Mutex
	state            ConnectionState
	reconnectAttempt int
	runCancel        context.CancelFunc

	notificationCallbacks map[string]*CallbackList[NotificationFunction]
}

func NewPushClientWithDefaults(ctx context.Context, pushUrl string) *PushClient {
	return NewPushClient(ctx, pushUrl, DefaultPushClientSettings())
}

func NewPushClient(ctx context.Context, pushUrl string, settings *PushClientSettings) *PushClient {
	return &PushClient{
		ctx:                   ctx,
		pushUrl:               pushUrl,
		settings:              settings,
		state:                 ConnectionStateDisconnected,
		notificationCallbacks: map[string]*CallbackList[NotificationFunction]{},
	}
}

// registers a handler for a notification type. multiple handlers per type are
// invoked in registration order. the returned function unsubscribes.
func (self *PushClient) On(messageType string, callback NotificationFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.notificationCallbacks[messageType]
	if !ok {
		callbacks = NewCallbackList[NotificationFunction]()
		self.notificationCallbacks[messageType] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *PushClient) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state == ConnectionStateConnected
}

func (self *PushClient) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *PushClient) ReconnectAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempt
}

// idempotent. a call while already connected or mid-connect is a no-op.
func (self *PushClient) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != ConnectionStateDisconnected {
		return
	}

	self.state = ConnectionStateConnecting
	self.reconnectAttempt = 0
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	go self.run(runCtx)
}

// closes the channel and disables automatic reconnection until the next
// explicit `Connect`
func (self *PushClient) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	self.state = ConnectionStateDisconnected
}

func (self *PushClient) run(runCtx context.Context) {
	for {
		ws, err := self.dial(runCtx)
		if err != nil {
			glog.Infof("[pc]connect error = %s\n", err)
			if !self.scheduleReconnect(runCtx) {
				return
			}
			continue
		}

		connected := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if runCtx.Err() != nil {
				// disconnected while the dial was in flight. `Disconnect`
				// already set the state; a late dial must not overwrite it.
				return false
			}
			self.state = ConnectionStateConnected
			self.reconnectAttempt = 0
			return true
		}()
		if !connected {
			ws.Close()
			return
		}
		self.emitConnection(ConnectionStateConnected)

		self.pump(runCtx, ws)

		select {
		case <-runCtx.Done():
			// explicit disconnect. `Disconnect` already set the state.
			return
		default:
		}

		// unexpected closure
		func() {
			self.stateLock.Lock()
			self.state = ConnectionStateConnecting
			self.stateLock.Unlock()
		}()
		self.emitConnection(ConnectionStateDisconnected)

		if !self.scheduleReconnect(runCtx) {
			return
		}
	}
}

// increments the attempt counter and sleeps the backoff delay.
// returns false when automatic reconnection must stop.
func (self *PushClient) scheduleReconnect(runCtx context.Context) bool {
	var attempt int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.reconnectAttempt += 1
		attempt = self.reconnectAttempt
	}()

	if self.settings.MaxReconnectAttempts < attempt {
		glog.Infof("[pc]reconnect stopped after %d attempts\n", attempt-1)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.state = ConnectionStateDisconnected
			if self.runCancel != nil {
				self.runCancel()
				self.runCancel = nil
			}
		}()
		return false
	}

	delay := self.settings.ReconnectBaseDelay * time.Duration(min(attempt, self.settings.ReconnectDelayCap))
	glog.V(2).Infof("[pc]reconnect %d in %s\n", attempt, delay)
	select {
	case <-runCtx.Done():
		// disconnected while waiting. never run a retry scheduled before
		// an explicit disconnect.
		return false
	case <-time.After(delay):
		return true
	}
}

func (self *PushClient) dial(runCtx context.Context) (*websocket.Conn, error) {
	if self.settings.WsDialContext != nil {
		return self.settings.WsDialContext(runCtx, self.pushUrl)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(runCtx, self.pushUrl, nil)
	return ws, err
}

// reads messages until the channel closes. a malformed message is logged and
// dropped; it never crashes the channel.
func (self *PushClient) pump(runCtx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		// unblock the reader on disconnect
		<-handleCtx.Done()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[pc]<- closed = %s\n", err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(messageBytes) == 0 {
				continue
			}

			message := &PushMessage{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				glog.Infof("[pc]malformed message dropped = %s\n", err)
				continue
			}
			if message.Type == "" {
				glog.Infof("[pc]malformed message dropped = missing type\n")
				continue
			}

			glog.V(2).Infof("[pc]<- %s\n", message.Type)
			self.dispatch(message.Type, message.Data)
		default:
			glog.V(2).Infof("[pc]<- other=%d\n", messageType)
		}
	}
}

func (self *PushClient) dispatch(messageType string, data json.RawMessage) {
	self.stateLock.Lock()
	callbacks, ok := self.notificationCallbacks[messageType]
	self.stateLock.Unlock()
	if !ok {
		// no handlers. unrecognized types are ignored without error.
		return
	}

	for _, callback := range callbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(data)
		})
	}
}

func (self *PushClient) emitConnection(state ConnectionState) {
	data, _ := json.Marshal(string(state))
	self.dispatch(MessageTypeConnection, data)
}
