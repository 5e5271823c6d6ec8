package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cpguard/internal/alarms"
	"cpguard/internal/config"
	"cpguard/internal/detector"
	"cpguard/internal/ml"
	"cpguard/internal/model"
	"cpguard/internal/policy"
	"cpguard/internal/telemetry"
)

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }
func iptr(v int64) *int64     { return &v }

func testEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *alarms.Store, *telemetry.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ML.ModelPath = ""
	if mutate != nil {
		mutate(cfg)
	}
	alarmStore := alarms.NewStore(100)
	telemetryStore := telemetry.NewStore(100)
	return New(cfg, nil, alarmStore, telemetryStore, nil, nil), alarmStore, telemetryStore
}

func TestProcessCleanTrafficIsQuiet(t *testing.T) {
	e, store, _ := testEngine(t, nil)
	now := time.Now().UTC()
	events := []model.Event{
		{Timestamp: now, CPID: "CP_1", MessageType: model.MsgBootNotification},
		{Timestamp: now.Add(time.Second), CPID: "CP_1", MessageType: model.MsgAuthorize, IDTag: "TAG_A"},
		{Timestamp: now.Add(2 * time.Second), CPID: "CP_1", MessageType: model.MsgStartTransaction, IDTag: "TAG_A", TransactionID: iptr(1), PlugState: bptr(true)},
		{Timestamp: now.Add(30 * time.Second), CPID: "CP_1", MessageType: model.MsgMeterValues, TransactionID: iptr(1), MeterValue: fptr(0.1)},
		{Timestamp: now.Add(60 * time.Second), CPID: "CP_1", MessageType: model.MsgStopTransaction, IDTag: "TAG_A", TransactionID: iptr(1)},
	}
	for _, ev := range events {
		if got := e.Process(ev); len(got) != 0 {
			t.Fatalf("clean traffic produced alarms: %+v", got)
		}
	}
	if len(store.List(0)) != 0 {
		t.Fatalf("alarm store must stay empty")
	}
}

func TestProcessPhantomCurrentEndToEnd(t *testing.T) {
	e, store, _ := testEngine(t, nil)
	// Timestamps stay close to wall clock and the meter creep stays under
	// the rate ceiling, so the only anomaly in this traffic is energy
	// flowing while unplugged.
	now := time.Now().UTC()
	e.Process(model.Event{Timestamp: now.Add(-25 * time.Second), CPID: "CP_1", MessageType: model.MsgHeartbeat, PlugState: bptr(false)})
	e.Process(model.Event{Timestamp: now.Add(-20 * time.Second), CPID: "CP_1", MessageType: model.MsgMeterValues, MeterValue: fptr(50)})
	got := e.Process(model.Event{Timestamp: now.Add(-10 * time.Second), CPID: "CP_1", MessageType: model.MsgMeterValues, MeterValue: fptr(50.01)})

	if len(got) != 1 {
		t.Fatalf("expected one alarm, got %d: %+v", len(got), got)
	}
	a := got[0]
	if a.AnomalyType != detector.AnomalyPhantomCurrent || a.Severity != model.SeverityHigh {
		t.Fatalf("unexpected alarm %+v", a)
	}
	if a.ID == "" {
		t.Fatalf("alarm must carry an id")
	}
	if a.Mitigation.Action != policy.ActionPowerTripStop || a.Mitigation.Status != model.MitigationExecuted {
		t.Fatalf("unexpected mitigation %+v", a.Mitigation)
	}
	if a.ML.Score != nil || a.ML.Confidence != nil {
		t.Fatalf("no model configured, ml fields must be nil")
	}
	if listed := store.List(0); len(listed) != 1 || listed[0].ID != a.ID {
		t.Fatalf("alarm not recorded in store")
	}
}

func TestProcessSessionHijackEndToEnd(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	now := time.Now().UTC()
	e.Process(model.Event{Timestamp: now, CPID: "CP_A", MessageType: model.MsgStartTransaction, IDTag: "TAG_A", TransactionID: iptr(500)})
	got := e.Process(model.Event{Timestamp: now.Add(time.Second), CPID: "CP_B", MessageType: model.MsgMeterValues, TransactionID: iptr(500), MeterValue: fptr(1)})

	var hijack *model.Alarm
	for i := range got {
		if got[i].AnomalyType == detector.AnomalySessionHijacking {
			hijack = &got[i]
		}
	}
	if hijack == nil {
		t.Fatalf("expected hijack alarm, got %+v", got)
	}
	if hijack.CPID != "CP_B" || hijack.Details["original_cp"] != "CP_A" {
		t.Fatalf("unexpected hijack alarm %+v", hijack)
	}
	if hijack.Mitigation.Action != policy.ActionCredentialReject {
		t.Fatalf("unexpected action %s", hijack.Mitigation.Action)
	}
}

func TestProcessAuthBypassEndToEnd(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	got := e.Process(model.Event{
		Timestamp:   time.Now().UTC(),
		CPID:        "CP_1",
		MessageType: model.MsgStartTransaction,
		IDTag:       "TAG_A",
	})
	if len(got) != 1 || got[0].AnomalyType != detector.AnomalyAuthBypass {
		t.Fatalf("expected auth bypass alarm, got %+v", got)
	}
	if got[0].Mitigation.Action != policy.ActionCredentialReject {
		t.Fatalf("unexpected action %s", got[0].Mitigation.Action)
	}
}

func TestProcessReplayEndToEnd(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	now := time.Now().UTC()
	ev := model.Event{Timestamp: now, CPID: "CP_1", MessageType: model.MsgHeartbeat, Payload: map[string]any{"seq": float64(9)}}
	e.Process(ev)
	ev.Timestamp = now.Add(5 * time.Second)
	got := e.Process(ev)
	if len(got) != 1 || got[0].AnomalyType != detector.AnomalyReplay {
		t.Fatalf("expected replay alarm, got %+v", got)
	}
	if got[0].Mitigation.Action != policy.ActionEmergencyStop {
		t.Fatalf("replay has no targeted action, want emergency stop, got %s", got[0].Mitigation.Action)
	}
}

func TestTelemetryTracksEveryEvent(t *testing.T) {
	e, _, tele := testEngine(t, nil)
	e.Process(model.Event{Timestamp: time.Now().UTC(), CPID: "CP_1", MessageType: model.MsgHeartbeat})
	snap, _, ok := tele.Get("CP_1")
	if !ok || snap.EventsLastWindow != 1 {
		t.Fatalf("telemetry not updated: ok=%v %+v", ok, snap)
	}
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Process(model.Event) (model.Alarm, bool) {
	panic("boom")
}

func TestPanickingDetectorIsIsolated(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	cur := e.pipeline()
	e.pipe.Store(&pipeline{
		detectors: append([]detector.Detector{panicky{}}, cur.detectors...),
		policy:    cur.policy,
	})
	got := e.Process(model.Event{
		Timestamp:   time.Now().UTC(),
		CPID:        "CP_1",
		MessageType: model.MsgStartTransaction,
		IDTag:       "TAG_A",
	})
	if len(got) != 1 || got[0].AnomalyType != detector.AnomalyAuthBypass {
		t.Fatalf("panic must not blind remaining detectors, got %+v", got)
	}
}

func TestProcessWithModelGatesLowConfidence(t *testing.T) {
	// One tree isolating events without a meter value: the auth bypass
	// below scores around +0.43, sigmoid ~0.61, under the 0.7 gate.
	bundle := ml.Bundle{
		ModelName:     "isolation_forest_test",
		FeatureOrder:  append([]string{}, ml.FeatureOrder...),
		Contamination: 0.05,
		SampleSize:    256,
		Trees: []ml.Tree{
			{Nodes: []ml.Node{
				{Feature: 1, Threshold: 0.5, Left: 1, Right: 2},
				{Feature: -1, Left: -1, Right: -1, Size: 1},
				{Feature: -1, Left: -1, Right: -1, Size: 200},
			}},
		},
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	e, _, _ := testEngine(t, func(cfg *config.Config) {
		cfg.ML.ModelPath = path
	})
	got := e.Process(model.Event{
		Timestamp:   time.Now().UTC(),
		CPID:        "CP_1",
		MessageType: model.MsgStartTransaction,
		IDTag:       "TAG_A",
	})
	if len(got) != 1 {
		t.Fatalf("expected one alarm, got %+v", got)
	}
	a := got[0]
	if a.ML.Score == nil || a.ML.Confidence == nil || a.ML.Model != "isolation_forest_test" {
		t.Fatalf("ml fields not populated: %+v", a.ML)
	}
	if *a.ML.Confidence >= 0.7 {
		t.Fatalf("test premise broken: confidence %f", *a.ML.Confidence)
	}
	if a.Mitigation.Action != policy.ActionAIVettingPending || a.Mitigation.Status != model.MitigationLogged {
		t.Fatalf("low-confidence HIGH alarm must go to vetting, got %+v", a.Mitigation)
	}
}

func TestStartConsumesChannel(t *testing.T) {
	e, store, _ := testEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Event, 1)
	e.Start(ctx, in)
	in <- model.Event{
		Timestamp:   time.Now().UTC(),
		CPID:        "CP_1",
		MessageType: model.MsgStartTransaction,
		IDTag:       "TAG_A",
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.List(0)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("alarm never reached the store")
}

func TestResetClearsDetectorState(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	now := time.Now().UTC()
	ev := model.Event{Timestamp: now, CPID: "CP_1", MessageType: model.MsgHeartbeat}
	e.Process(ev)
	e.Reset()
	ev.Timestamp = now.Add(time.Second)
	if got := e.Process(ev); len(got) != 0 {
		t.Fatalf("reset must clear replay memory, got %+v", got)
	}
}

func TestConcurrentReconfigureWhileProcessing(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			cfg := config.DefaultConfig()
			cfg.ML.ModelPath = ""
			cfg.Policy.HighConfidenceGate = 0.5 + float64(i%40)/100
			e.UpdateConfig(cfg)
			e.Reset()
		}
	}()

	now := time.Now().UTC()
	for i := 0; i < 500; i++ {
		got := e.Process(model.Event{
			Timestamp:   now,
			CPID:        "CP_1",
			MessageType: model.MsgStartTransaction,
			IDTag:       "TAG_A",
		})
		for _, a := range got {
			if a.Mitigation.Action == "" {
				t.Fatalf("alarm finished without a mitigation: %+v", a)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestUpdateConfigSwapsPolicyGates(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	cfg := config.DefaultConfig()
	cfg.ML.ModelPath = ""
	cfg.Policy.HighConfidenceGate = 0.99
	e.UpdateConfig(cfg)
	if e.config().Policy.HighConfidenceGate != 0.99 {
		t.Fatalf("config not swapped")
	}
}
