package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/lodestone-research/lodestone/internal/breaker"
	"github.com/lodestone-research/lodestone/internal/config"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/pipeline"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
	"github.com/lodestone-research/lodestone/internal/store/memory"
)

type stubServer struct {
	startErr error
	started  chan string
}

func (s *stubServer) Start(ctx context.Context, addr string) error {
	if s.started != nil {
		s.started <- addr
	}
	return s.startErr
}

func captureDeps() func() {
	origLoadConfig := loadConfig
	origNewBroker := newBroker
	origNewStore := newStore
	origNewLLMProvider := newLLMProvider
	origNewSearchProvider := newSearchProvider
	origNewServer := newServer
	origNotifyContext := notifyContext

	return func() {
		loadConfig = origLoadConfig
		newBroker = origNewBroker
		newStore = origNewStore
		newLLMProvider = origNewLLMProvider
		newSearchProvider = origNewSearchProvider
		newServer = origNewServer
		notifyContext = origNotifyContext
	}
}

func testConfig() config.Config {
	return config.Config{
		Port:         "0",
		StoreBackend: "memory",
		LLMMode:      "local",
		SearchMode:   "local",
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return testConfig(), nil
	}
	notifyContext = func(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(parent)
	}

	stub := &stubServer{}
	var gotAddr string
	stub.started = make(chan string, 1)
	newServer = func(st store.Store, broker *events.Broker, controller *pipeline.Controller, table *router.Table, breakers *breaker.Registry) server {
		if st == nil || broker == nil || controller == nil || table == nil || breakers == nil {
			t.Error("server wired with nil dependencies")
		}
		return stub
	}

	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case gotAddr = <-stub.started:
	default:
		t.Fatal("server never started")
	}
	if gotAddr != ":0" {
		t.Errorf("addr = %q", gotAddr)
	}
}

func TestRunPropagatesConfigError(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)

	wantErr := errors.New("bad config")
	loadConfig = func() (config.Config, error) {
		return config.Config{}, wantErr
	}

	if err := run(); !errors.Is(err, wantErr) {
		t.Fatalf("run err = %v, want %v", err, wantErr)
	}
}

func TestRunPropagatesStoreError(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return testConfig(), nil
	}
	wantErr := errors.New("store unavailable")
	newStore = func(cfg config.Config) (store.Store, error) {
		return nil, wantErr
	}

	if err := run(); !errors.Is(err, wantErr) {
		t.Fatalf("run err = %v, want %v", err, wantErr)
	}
}

func TestRunPropagatesServerError(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return testConfig(), nil
	}
	notifyContext = func(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(parent)
	}
	wantErr := errors.New("listen failed")
	newServer = func(st store.Store, broker *events.Broker, controller *pipeline.Controller, table *router.Table, breakers *breaker.Registry) server {
		return &stubServer{startErr: wantErr}
	}

	if err := run(); !errors.Is(err, wantErr) {
		t.Fatalf("run err = %v, want %v", err, wantErr)
	}
}

func TestNewStoreMemoryDefault(t *testing.T) {
	st, err := newStore(config.Config{StoreBackend: "memory"})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, ok := st.(*memory.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}
