package main

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"countersync/internal/bridge"
	"countersync/internal/config"
	"countersync/internal/workapi"
)

func TestPolicyClampsDelta(t *testing.T) {
	tests := []struct {
		in   int
		want uint16
	}{
		{-4, 1},
		{0, 1},
		{3, 3},
		{math.MaxUint16 + 10, math.MaxUint16},
	}
	for _, tt := range tests {
		if got := policy(tt.in, time.Minute); got.Delta != tt.want || got.Window != time.Minute {
			t.Errorf("policy(%d) = %+v, want delta %d", tt.in, got, tt.want)
		}
	}
}

func TestLogChatSatisfiesChat(t *testing.T) {
	var c bridge.Chat = &logChat{logger: slog.Default()}
	ref, err := c.Send(context.Background(), "hello", false)
	if err != nil || ref.Timestamp != "1" || ref.LastText != "hello" {
		t.Fatalf("Send = %+v, %v", ref, err)
	}
	if err := c.Update(context.Background(), ref, "again", false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	msgs, err := c.Receive(context.Background(), "0")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("Receive = %v, %v", msgs, err)
	}
}

func TestBuildRestoresScopeAndPersistsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := bridge.NewStateManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetGroupID(253); err != nil {
		t.Fatal(err)
	}

	client, err := workapi.New(workapi.Config{BaseURL: "http://127.0.0.1:1", WebhookPath: "/rest/1/x/"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{OutboxSize: 4, UnreadDelta: 3, UndoneDelta: 2, ExpiredDelta: 1}

	svc := build(cfg, client, state, slog.Default())
	if svc.scope.Group() != 253 {
		t.Fatalf("restored group = %d, want 253", svc.scope.Group())
	}
	if svc.bus != nil {
		t.Error("bus should be nil without NATS_URL")
	}

	svc.scope.SetGroup(77)
	reloaded, err := bridge.NewStateManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.GetGroupID() != 77 {
		t.Errorf("persisted group = %d, want 77", reloaded.GetGroupID())
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	ctx := context.Background()
	if !setupLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level should enable debug")
	}
	if setupLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn level should disable info")
	}
	if !setupLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should default to info")
	}
}

func TestRunLeaderElectionRunsOnlyWhileLeading(t *testing.T) {
	k8sClient := fake.NewSimpleClientset()
	cfg := &config.Config{
		LeaderElectionID:       "countersync-leader",
		LeaderElectionIdentity: "pod-a",
		Namespace:              "office",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		ran    bool
		holder string
	)
	runLeaderElection(ctx, slog.Default(), cfg, k8sClient, func(leaderCtx context.Context) {
		ran = true
		var lease *coordinationv1.Lease
		lease, err := k8sClient.CoordinationV1().Leases("office").Get(leaderCtx, "countersync-leader", metav1.GetOptions{})
		if err == nil && lease.Spec.HolderIdentity != nil {
			holder = *lease.Spec.HolderIdentity
		}
		cancel()
	})

	if !ran {
		t.Fatal("runFn was not called after acquiring the lease")
	}
	if holder != "pod-a" {
		t.Errorf("lease holder = %q, want pod-a", holder)
	}
}
