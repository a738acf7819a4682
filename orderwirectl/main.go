package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/orderwire/orderwire"
)

const OrderwireCtlVersion = "0.0.1"

const defaultApiUrl = "http://localhost:3000"
const defaultDataDir = "~/.orderwire"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Orderwire device control.

The default backend is:
    api_url: http://localhost:3000

Usage:
    orderwirectl run [--api_url=<api_url>] [--data_dir=<data_dir>]
    orderwirectl health [--api_url=<api_url>]
    orderwirectl pending [--data_dir=<data_dir>]
    orderwirectl enqueue-order [--api_url=<api_url>] [--data_dir=<data_dir>] <order_json>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>    Backend-of-record url.
    --data_dir=<data_dir>  Local durable store directory [default: ~/.orderwire].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], OrderwireCtlVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if health_, _ := opts.Bool("health"); health_ {
		health(opts)
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if enqueueOrder_, _ := opts.Bool("enqueue-order"); enqueueOrder_ {
		enqueueOrder(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return defaultApiUrl
}

func dataDir(opts docopt.Opts) string {
	if dataDir, err := opts.String("--data_dir"); err == nil && dataDir != "" {
		return dataDir
	}
	return defaultDataDir
}

func run(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := orderwire.OpenLocalStore(dataDir(opts))
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	api := orderwire.NewBackendApiWithContext(ctx, apiUrl(opts))
	queue := orderwire.NewMutationQueueWithDefaults(ctx, store, orderwire.NewBackendSubmit(api))
	push := orderwire.NewPushClientWithDefaults(ctx, api.PushUrl())
	coordinator := orderwire.NewSyncCoordinator(ctx, api, store, queue, push)

	coordinator.AddStateCallback(func(state orderwire.SyncState, errorReason string) {
		if errorReason != "" {
			Out.Printf("state: %s (%s)", state, errorReason)
		} else {
			Out.Printf("state: %s", state)
		}
	})
	coordinator.AddChangeCallback(func(collection orderwire.CollectionName) {
		Out.Printf("changed: %s", collection)
	})
	queue.AddPendingCountCallback(func(pendingCount int) {
		Out.Printf("pending: %d", pendingCount)
	})
	queue.AddEvictCallback(func(mutation *orderwire.QueuedMutation, err error) {
		Err.Printf("dropped %s %s after repeated failures: %s", mutation.Kind, mutation.Id, err)
	})

	monitor := orderwire.NewConnectivityMonitorWithDefaults(ctx, api.CheckHealthSync, queue.Drain)
	defer monitor.Close()
	monitor.AddStatusCallback(coordinator.HandleOnlineStatus)

	coordinator.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	push.Disconnect()
	coordinator.Close()
}

func health(opts docopt.Opts) {
	api := orderwire.NewBackendApi(apiUrl(opts))
	if api.CheckHealthSync() {
		Out.Printf("ok")
	} else {
		Out.Printf("unreachable")
		os.Exit(1)
	}
}

func pending(opts docopt.Opts) {
	store, err := orderwire.OpenLocalStore(dataDir(opts))
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	queue := orderwire.NewMutationQueueWithDefaults(context.Background(), store, nil)
	Out.Printf("%d", queue.Size())
}

func enqueueOrder(opts docopt.Opts) {
	orderJson, _ := opts.String("<order_json>")

	order := &orderwire.Order{}
	if err := json.Unmarshal([]byte(orderJson), order); err != nil {
		Err.Fatalf("parse order: %s", err)
	}

	store, err := orderwire.OpenLocalStore(dataDir(opts))
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	api := orderwire.NewBackendApi(apiUrl(opts))
	queue := orderwire.NewMutationQueueWithDefaults(context.Background(), store, orderwire.NewBackendSubmit(api))

	id, err := queue.Enqueue(orderwire.MutationKindOrder, order)
	if err != nil {
		Err.Fatalf("enqueue: %s", err)
	}
	Out.Printf("enqueued %s", id)

	// try to deliver right away when the backend is reachable
	queue.Drain()
	Out.Printf("pending: %d", queue.Size())
}
