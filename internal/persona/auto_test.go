package persona

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
)

func autoObs(id, summary string, hype float64) *protocol.StreamObservation {
	obs := testObservation(id, "room:demo", summary, hype)
	return obs
}

func TestComputeInterestScoreWeights(t *testing.T) {
	cfg := DefaultAutoConfig()
	obs := autoObs("obs_1", "big play", 0.8)
	// 0.8 hype + 0.5 mention weight + 1/3*0.25 entity factor + 0.25 hype tag.
	want := 0.8 + 0.5 + 0.25/3.0 + 0.25
	if got := ComputeInterestScore(obs, cfg); math.Abs(got-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", got, want)
	}
}

func TestComputeInterestScoreClampsHype(t *testing.T) {
	cfg := DefaultAutoConfig()
	obs := autoObs("obs_1", "x", 4.2)
	obs.Tags = nil
	obs.Entities = nil
	if got := ComputeInterestScore(obs, cfg); got != 1.0 {
		t.Fatalf("score = %v", got)
	}
}

func TestComputeSummaryHashNormalizes(t *testing.T) {
	cfg := DefaultAutoConfig()
	a := autoObs("obs_1", "Big  PLAY!!", 0.5)
	b := autoObs("obs_2", "big play", 0.5)
	if ComputeSummaryHash(a, cfg) != ComputeSummaryHash(b, cfg) {
		t.Fatal("normalized summaries should hash equal")
	}
	empty := autoObs("obs_3", "   ", 0.5)
	if ComputeSummaryHash(empty, cfg) != "" {
		t.Fatal("blank summary should hash to empty")
	}
}

func TestShouldEmitRejectsUninteresting(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	obs := autoObs("obs_1", "quiet moment", 0.1)
	obs.Tags = nil
	obs.Entities = nil
	emit, reason, score := ShouldEmit(obs, st, cfg, 1_000_000)
	if emit || reason != AutoReasonNotInteresting {
		t.Fatalf("emit=%v reason=%q", emit, reason)
	}
	if score >= cfg.HypeThreshold {
		t.Fatalf("score = %v", score)
	}
}

func TestShouldEmitMomentumRate(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	nowMS := int64(1_000_000)
	for i := 0; i < cfg.MomentumMaxMsgs; i++ {
		st.RecordAutoPublish("room:demo", "hype_bot", nowMS-int64(i+1)*6000)
	}
	emit, reason, _ := ShouldEmit(autoObs("obs_1", "big play", 0.9), st, cfg, nowMS)
	if emit || reason != state.ReasonMomentumRate {
		t.Fatalf("emit=%v reason=%q", emit, reason)
	}
}

func TestShouldEmitMomentumInterval(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	nowMS := int64(1_000_000)
	st.RecordAutoPublish("room:demo", "hype_bot", nowMS-1000)
	emit, reason, _ := ShouldEmit(autoObs("obs_1", "big play", 0.9), st, cfg, nowMS)
	if emit || reason != state.ReasonMomentumInterval {
		t.Fatalf("emit=%v reason=%q", emit, reason)
	}
}

func TestShouldEmitRoomRate(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.MomentumMaxMsgs = 10
	cfg.MomentumMinIntervalMS = 0
	nowMS := int64(1_000_000)
	st.RecordAutoPublish("room:demo", "hype_bot", nowMS-1000)
	emit, reason, _ := ShouldEmit(autoObs("obs_1", "big play", 0.9), st, cfg, nowMS)
	if emit || reason != AutoReasonRoomRate {
		t.Fatalf("emit=%v reason=%q", emit, reason)
	}
}

func TestShouldEmitMaxPerObservation(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	nowMS := int64(1_000_000)
	st.RecordAutoObservationMessage("obs_1", nowMS, cfg.DedupeWindowMS)
	emit, reason, _ := ShouldEmit(autoObs("obs_1", "big play", 0.9), st, cfg, nowMS)
	if emit || reason != AutoReasonMaxPerObservation {
		t.Fatalf("emit=%v reason=%q", emit, reason)
	}
}

func TestShouldEmitSummaryDedupe(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	nowMS := int64(1_000_000)
	emit, reason, _ := ShouldEmit(autoObs("obs_1", "insane clutch", 0.9), st, cfg, nowMS)
	if !emit || reason != AutoReasonOK {
		t.Fatalf("first pass: emit=%v reason=%q", emit, reason)
	}
	emit, reason, _ = ShouldEmit(autoObs("obs_2", "INSANE clutch!!", 0.9), st, cfg, nowMS+10)
	if emit || reason != AutoReasonSummaryDedupe {
		t.Fatalf("second pass: emit=%v reason=%q", emit, reason)
	}
}

func TestPickPersonaNoCandidates(t *testing.T) {
	st := state.New(50, 256)
	if _, reason := PickPersona(autoObs("obs_1", "x", 0.9), st, DefaultAutoConfig(), nil); reason != "no_persona" {
		t.Fatalf("reason = %q", reason)
	}
	if _, reason := PickPersona(autoObs("obs_1", "x", 0.9), st, DefaultAutoConfig(), []string{"  "}); reason != "no_persona" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestPickPersonaDeterministic(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.PersonaDiversity.AvoidRepeatLastN = 0
	cfg.MentionTargeting.Enabled = false
	obs := autoObs("obs_1", "big play", 0.9)
	first, reason := PickPersona(obs, st, cfg, []string{"lore_keeper", "hype_bot"})
	if reason != "deterministic" || first == "" {
		t.Fatalf("persona=%q reason=%q", first, reason)
	}
	second, _ := PickPersona(obs, st, cfg, []string{"hype_bot", "lore_keeper"})
	if second != first {
		t.Fatalf("selection not stable: %q vs %q", first, second)
	}
}

func TestPickPersonaDiversityFilter(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.MentionTargeting.Enabled = false
	obs := autoObs("obs_1", "big play", 0.9)
	enabled := []string{"hype_bot", "lore_keeper"}
	first, _ := PickPersona(obs, st, cfg, enabled)
	st.RecordAutoPublish("room:demo", first, 1_000_000)
	second, reason := PickPersona(obs, st, cfg, enabled)
	if second == first {
		t.Fatalf("repeat speaker %q not filtered", second)
	}
	if reason != "diversity_filtered" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestPickPersonaDiversityFallback(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.MentionTargeting.Enabled = false
	st.RecordAutoPublish("room:demo", "hype_bot", 1_000_000)
	personaID, reason := PickPersona(autoObs("obs_1", "big play", 0.9), st, cfg, []string{"hype_bot"})
	if personaID != "hype_bot" || reason != "diversity_fallback" {
		t.Fatalf("persona=%q reason=%q", personaID, reason)
	}
}

func TestPickPersonaMentionTargeted(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.MentionTargeting.Boost = 2.0
	obs := autoObs("obs_1", "chat goes wild for @hype_bot", 0.9)
	obs.Entities = nil
	personaID, reason := PickPersona(obs, st, cfg, []string{"hype_bot", "lore_keeper"})
	if personaID != "hype_bot" || reason != "mention_targeted" {
		t.Fatalf("persona=%q reason=%q", personaID, reason)
	}
}

func TestPickPersonaMentionViaEntities(t *testing.T) {
	st := state.New(50, 256)
	cfg := DefaultAutoConfig()
	cfg.MentionTargeting.Boost = 2.0
	obs := autoObs("obs_1", "big play", 0.9)
	obs.Entities = []string{"Lore_Keeper"}
	personaID, reason := PickPersona(obs, st, cfg, []string{"hype_bot", "lore_keeper"})
	if personaID != "lore_keeper" || reason != "mention_targeted" {
		t.Fatalf("persona=%q reason=%q", personaID, reason)
	}
}

func TestLoadAutoConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto.json")
	body := `{"enabled": true, "hype_threshold": 0.8, "trigger_tags": ["HYPE ", "hype", "Clutch"]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadAutoConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled || cfg.HypeThreshold != 0.8 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.TriggerTags) != 2 || cfg.TriggerTags[0] != "hype" || cfg.TriggerTags[1] != "clutch" {
		t.Fatalf("trigger_tags = %v", cfg.TriggerTags)
	}
	if cfg.PersonaCooldownMS != 8000 {
		t.Fatalf("persona_cooldown_ms default lost: %d", cfg.PersonaCooldownMS)
	}
}

func TestLoadAutoConfigRejectsBadRoomIDMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto.json")
	if err := os.WriteFile(path, []byte(`{"room_id_mode": "both"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAutoConfig(path); err == nil {
		t.Fatal("expected error")
	}
}
