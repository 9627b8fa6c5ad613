package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/api"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/config"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/engine"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/executor"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/storage"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/tasks"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/transport"
)

const configFile = "taskengine_config.json"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if c, err := config.Load(configFile); err == nil {
		cfg = c
	} else {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd == "config" {
		configCmd(cfg)
		return
	}

	store := storage.NewSQLiteStorage()
	if err := store.Init(cfg.DBPath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init storage:", err)
		os.Exit(2)
	}
	defer store.Close()

	switch cmd {
	case "serve":
		serveCmd(store, cfg, true)
	case "worker":
		serveCmd(store, cfg, false)
	case "submit":
		submitCmd(store, cfg)
	case "status":
		statusCmd(store)
	case "list":
		listCmd(store)
	case "types":
		typesCmd()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("taskengine - asynchronous task execution backend")
	fmt.Println("usage: taskengine <command> [options]")
	fmt.Println("commands: serve, worker, submit, status, list, types, config")
}

func buildRegistry() *registry.Registry {
	reg := registry.New()
	if err := tasks.RegisterBuiltin(reg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to register task types:", err)
		os.Exit(2)
	}
	return reg
}

// openTransport connects the configured broker. The memory transport only
// makes sense inside a single serve process where submission and execution
// share memory.
func openTransport(cfg *config.Config, allowMemory bool) (transport.Transport, func()) {
	switch cfg.Transport {
	case config.TransportMemory:
		if !allowMemory {
			fmt.Fprintln(os.Stderr, "memory transport cannot reach other processes; use nats")
			os.Exit(2)
		}
		t := transport.NewMemTransport()
		return t, func() { t.Close() }
	default:
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to connect to NATS:", err)
			os.Exit(2)
		}
		t := transport.NewNATSTransport(nc)
		return t, func() {
			t.Close()
			nc.Close()
		}
	}
}

// serveCmd runs the worker pool, plus the HTTP API when withAPI is set.
func serveCmd(store *storage.SQLiteStorage, cfg *config.Config, withAPI bool) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	count := fs.Int("workers", cfg.Workers, "Number of workers to start")
	httpAddr := fs.String("http", cfg.HTTPAddr, "HTTP listen address")
	fs.Parse(os.Args[2:])

	reg := buildRegistry()
	tr, closeTransport := openTransport(cfg, withAPI)
	defer closeTransport()

	workers := make([]*executor.Worker, 0, *count)
	for i := 0; i < *count; i++ {
		w := executor.NewWorker(i+1, store, reg, tr, &executor.Config{Queues: cfg.Queues})
		w.Start()
		workers = append(workers, w)
	}
	fmt.Printf("running %d worker(s) on queues %v\n", *count, cfg.Queues)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiErr := make(chan error, 1)
	if withAPI {
		eng := engine.New(reg, store, tr)
		srv := api.NewServer(*httpAddr, eng)
		go func() { apiErr <- srv.Start(ctx) }()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
		fmt.Println("signal received; shutting down...")
	case err := <-apiErr:
		if err != nil {
			fmt.Fprintln(os.Stderr, "api server error:", err)
		}
	}

	cancel()
	for _, w := range workers {
		w.Stop()
	}
}

func submitCmd(store *storage.SQLiteStorage, cfg *config.Config) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	taskType := fs.String("type", "", "Task type to submit")
	paramsJSON := fs.String("params", "{}", "Task params as JSON")
	fs.Parse(os.Args[2:])

	if *taskType == "" {
		fmt.Fprintln(os.Stderr, "provide --type")
		os.Exit(1)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintln(os.Stderr, "invalid params json:", err)
		os.Exit(1)
	}

	reg := buildRegistry()
	tr, closeTransport := openTransport(cfg, false)
	defer closeTransport()

	eng := engine.New(reg, store, tr)
	rec, err := eng.Submit(context.Background(), *taskType, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit failed:", err)
		os.Exit(1)
	}
	fmt.Println("submitted task", rec.ID)
}

func statusCmd(store *storage.SQLiteStorage) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: taskengine status <task-id>")
		os.Exit(1)
	}
	rec, err := store.Get(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(b))
}

func listCmd(store *storage.SQLiteStorage) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	state := fs.String("state", "", "Filter by state (PENDING/RUNNING/FINISHED/FAILED)")
	taskType := fs.String("type", "", "Filter by task type")
	page := fs.Int("page", 1, "Page number")
	pageSize := fs.Int("page-size", 20, "Page size")
	fs.Parse(os.Args[2:])

	f := storage.Filter{TaskType: *taskType}
	if *state != "" {
		st := task.State(*state)
		if !st.Valid() {
			fmt.Fprintln(os.Stderr, "invalid state:", *state)
			os.Exit(1)
		}
		f.State = st
	}

	recs, total, err := store.List(f, *page, *pageSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list error:", err)
		os.Exit(1)
	}
	for _, r := range recs {
		fmt.Printf("%s \t %s \t state=%s attempts=%d created=%s\n",
			r.ID, r.TaskType, r.State, r.AttemptCount, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("total: %d\n", total)
}

func typesCmd() {
	reg := buildRegistry()
	for _, def := range reg.All() {
		fmt.Printf("%s \t queue=%s priority=%d timeout=%s max_retries=%d\n",
			def.Name, def.Queue, def.Priority, def.Timeout, def.MaxRetries)
	}
}

func configCmd(cfg *config.Config) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "config set <key> <value> | config get")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "set":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: config set <key> <value>")
			os.Exit(1)
		}
		key := os.Args[3]
		val := os.Args[4]
		switch key {
		case "db-path":
			cfg.DBPath = val
		case "transport":
			cfg.Transport = val
		case "nats-url":
			cfg.NATSURL = val
		case "http-addr":
			cfg.HTTPAddr = val
		case "workers":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Workers = v
			}
		default:
			fmt.Fprintln(os.Stderr, "unknown config key", key)
			os.Exit(1)
		}
		if err := cfg.Save(configFile); err != nil {
			fmt.Fprintln(os.Stderr, "failed to save config:", err)
			os.Exit(1)
		}
		fmt.Println("config saved")
	case "get":
		b, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(b))
	default:
		fmt.Fprintln(os.Stderr, "unknown config command", os.Args[2])
		os.Exit(1)
	}
}
