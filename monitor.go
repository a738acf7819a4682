package orderwire

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// tracks backend reachability with an active probe and fires online/offline
// transition events. a periodic background tick also drains the mutation
// queue regardless of transitions, to recover from cases where the
// reachability signal is unreliable.

type ProbeFunction = func() bool

type DrainFunction = func()

type OnlineStatusFunction = func(online bool)

type ConnectivityMonitorSettings struct {
	ProbePeriod     time.Duration
	DrainTickPeriod time.Duration
}

func DefaultConnectivityMonitorSettings() *ConnectivityMonitorSettings {
	return &ConnectivityMonitorSettings{
		ProbePeriod:     5 * time.Second,
		DrainTickPeriod: 30 * time.Second,
	}
}

type ConnectivityMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	probe ProbeFunction
	drain DrainFunction

	settings *ConnectivityMonitorSettings

	stateLock sync.Mutex
	online    bool

	statusCallbacks *CallbackList[OnlineStatusFunction]
}

func NewConnectivityMonitorWithDefaults(
	ctx context.Context,
	probe ProbeFunction,
	drain DrainFunction,
) *ConnectivityMonitor {
	return NewConnectivityMonitor(ctx, probe, drain, DefaultConnectivityMonitorSettings())
}

func NewConnectivityMonitor(
	ctx context.Context,
	probe ProbeFunction,
	drain DrainFunction,
	settings *ConnectivityMonitorSettings,
) *ConnectivityMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &ConnectivityMonitor{
		ctx:             cancelCtx,
		cancel:          cancel,
		probe:           probe,
		drain:           drain,
		settings:        settings,
		statusCallbacks: NewCallbackList[OnlineStatusFunction](),
	}
	go monitor.run()
	return monitor
}

func (self *ConnectivityMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

// fired on each online/offline transition
func (self *ConnectivityMonitor) AddStatusCallback(statusCallback OnlineStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *ConnectivityMonitor) Close() {
	self.cancel()
}

func (self *ConnectivityMonitor) run() {
	probeTicker := time.NewTicker(self.settings.ProbePeriod)
	defer probeTicker.Stop()
	drainTicker := time.NewTicker(self.settings.DrainTickPeriod)
	defer drainTicker.Stop()

	self.update(self.probe())

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-probeTicker.C:
			self.update(self.probe())
		case <-drainTicker.C:
			self.drain()
		}
	}
}

func (self *ConnectivityMonitor) update(online bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.online != online {
			self.online = online
			changed = true
		}
	}()
	if !changed {
		return
	}

	glog.Infof("[cm]online = %t\n", online)
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback := statusCallback
		HandleError(func() {
			statusCallback(online)
		})
	}

	if online {
		self.drain()
	}
}
