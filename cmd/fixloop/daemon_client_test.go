package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"fixloop/pkg/broadcast"
	"fixloop/pkg/config"
	"fixloop/pkg/httpapi"
	"fixloop/pkg/protocol"
)

// nextAction waits for the next action event on sub, skipping heartbeats.
func nextAction(t *testing.T, sub *broadcast.Subscription) broadcast.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == broadcast.EventAction {
				return ev
			}
		case <-deadline:
			t.Fatal("no action event reached the daemon's observers")
		}
	}
}

func TestSpawnCancel_ThroughDaemon(t *testing.T) {
	gh := &fakeGitHub{}
	gh.runName.Store("agent fix ENG-3")
	ghSrv := httptest.NewServer(gh)
	t.Cleanup(ghSrv.Close)

	cfgPath, dbPath := setupEnv(t, fmt.Sprintf("\n[runner]\nowner = \"acme\"\nrepo = \"app\"\ntoken = \"tok\"\nbase_url = %q\n", ghSrv.URL))
	id := seedIssue(t, dbPath, "ENG-3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	daemon, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		t.Fatalf("open daemon app: %v", err)
	}
	defer func() { _ = daemon.Close() }()
	srv := httptest.NewServer(httpapi.New(daemon.svc, httpapi.Config{Logger: logger}).Handler())
	t.Cleanup(srv.Close)

	sub := daemon.svc.SubscribeActivity(ctx, strconv.FormatInt(id, 10))
	<-sub.Events() // connected

	out, _, err := executeCommand("spawn", "ENG-3", "--server", srv.URL, "--actor", "ana", "--config", cfgPath)
	if err != nil {
		t.Fatalf("spawn via daemon: %v", err)
	}
	if !strings.Contains(out, "run 4242") || gh.dispatches.Load() != 1 {
		t.Errorf("spawn output %q, dispatches %d", out, gh.dispatches.Load())
	}
	nextAction(t, sub)

	t.Setenv("FIXLOOP_SERVER", srv.URL)
	out, _, err = executeCommand("cancel", "ENG-3", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cancel via daemon: %v", err)
	}
	if !strings.Contains(out, "runner acknowledged") || gh.cancels.Load() != 1 {
		t.Errorf("cancel output %q, cancels %d", out, gh.cancels.Load())
	}
	nextAction(t, sub)

	// The daemon's error kind survives the round trip.
	_, _, err = executeCommand("cancel", "ENG-3", "--config", cfgPath)
	if errorKind(err) != protocol.KindInvalidState || exitCode(err) != 4 {
		t.Errorf("cancel idle spawn: %v (kind %q, exit %d)", err, errorKind(err), exitCode(err))
	}
}

func TestDaemonClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newDaemonClient(url).spawn(context.Background(), 1, "fix", false, "")
	if exitCode(err) != 5 {
		t.Errorf("unreachable daemon: %v (exit %d), want 5", err, exitCode(err))
	}
}

func TestDaemonClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := newDaemonClient(srv.URL).cancel(context.Background(), 1, "")
	if err == nil || !strings.Contains(err.Error(), "bad gateway") || exitCode(err) != 1 {
		t.Errorf("got %v (exit %d)", err, exitCode(err))
	}
}
