package persona

import (
	"testing"
	"time"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
)

func testEngine(t *testing.T, timing config.TimingConfig) (*Engine, *state.State) {
	t.Helper()
	st := state.New(50, 256)
	room := &config.RoomConfig{
		RoomID:          "room:demo",
		EnabledPersonas: []string{"hype_bot"},
		Timing:          timing,
	}
	personas := map[string]*config.PersonaConfig{
		"hype_bot": {PersonaID: "hype_bot", DisplayName: "Hype Bot"},
	}
	engine := NewEngine(room, personas, st, EngineDefaults{
		SoftCooldownMS:   1500,
		MaxBotMsgsPer10s: 5,
		MaxReactAgeS:     20,
	})
	return engine, st
}

func humanMsg(id, content string) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		ID:      id,
		TS:      protocol.NowTS(),
		RoomID:  "room:demo",
		Origin:  protocol.OriginHuman,
		Content: content,
	}
}

func TestShouldSpeakRejectsBotOrigin(t *testing.T) {
	engine, _ := testEngine(t, config.TimingConfig{})
	msg := humanMsg("m1", "hello")
	msg.Origin = protocol.OriginBot
	d := engine.ShouldSpeak("hype_bot", msg, protocol.NowMS())
	if d.Emit || d.Reason != ReasonBotOrigin {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakRejectsOldMessages(t *testing.T) {
	engine, _ := testEngine(t, config.TimingConfig{})
	nowMS := protocol.NowMS()
	msg := humanMsg("m1", "hello")
	msg.TS = time.UnixMilli(nowMS - 30_000).UTC().Format(protocol.TSLayout)
	d := engine.ShouldSpeak("hype_bot", msg, nowMS)
	if d.Emit || d.Reason != ReasonTooOld {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakRejectsWrongRoom(t *testing.T) {
	engine, _ := testEngine(t, config.TimingConfig{})
	msg := humanMsg("m1", "hello")
	msg.RoomID = "room:other"
	d := engine.ShouldSpeak("hype_bot", msg, protocol.NowMS())
	if d.Emit || d.Reason != ReasonWrongRoom {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakHonorsCooldown(t *testing.T) {
	engine, st := testEngine(t, config.TimingConfig{})
	nowMS := protocol.NowMS()
	st.Persona("hype_bot").LastSpokeAtMS = nowMS - 100
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "hello"), nowMS)
	if d.Emit || d.Reason != ReasonCooldown {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakHardCooldownExtendsSoft(t *testing.T) {
	hard := int64(60_000)
	engine, st := testEngine(t, config.TimingConfig{HardCooldownMS: &hard})
	nowMS := protocol.NowMS()
	// Past the 1500ms soft cooldown but inside the hard one.
	st.Persona("hype_bot").LastSpokeAtMS = nowMS - 5000
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "hello"), nowMS)
	if d.Emit || d.Reason != ReasonCooldown {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakNoCooldownWhenNeverSpoke(t *testing.T) {
	engine, _ := testEngine(t, config.TimingConfig{PBase: 1.0})
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "hello"), protocol.NowMS())
	if !d.Emit || d.Reason != ReasonPPass {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakEnforcesBudget(t *testing.T) {
	engine, st := testEngine(t, config.TimingConfig{MaxBotMsgsPer10s: 1})
	nowMS := protocol.NowMS()
	st.Room("room:demo", 1, 10_000).RecordBotPublish(nowMS - 100)
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "hello"), nowMS)
	if d.Emit || d.Reason != ReasonBudget {
		t.Fatalf("decision = %+v", d)
	}
}

func TestShouldSpeakMarkerForcesReply(t *testing.T) {
	engine, _ := testEngine(t, config.TimingConfig{})
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "ping E2E_TEST_abc123"), protocol.NowMS())
	if !d.Emit || d.Reason != ReasonE2EForced {
		t.Fatalf("decision = %+v", d)
	}
	if forced, _ := d.Tags["forced"].(bool); !forced {
		t.Fatalf("tags = %v", d.Tags)
	}
	if marker, _ := d.Tags["marker_present"].(bool); !marker {
		t.Fatalf("tags = %v", d.Tags)
	}
	if p, _ := d.Tags["p_used"].(float64); p != 1.0 {
		t.Fatalf("p_used = %v", p)
	}
}

func TestShouldSpeakPassesWithFullProbability(t *testing.T) {
	// p_base 1.0 and no prior room events: threshold stays 1.0 and the
	// deterministic hash is always below it.
	engine, _ := testEngine(t, config.TimingConfig{PBase: 1.0})
	d := engine.ShouldSpeak("hype_bot", humanMsg("m1", "hello"), protocol.NowMS())
	if !d.Emit || d.Reason != ReasonPPass {
		t.Fatalf("decision = %+v", d)
	}
	if h, _ := d.Tags["h_value"].(float64); h >= 1.0 {
		t.Fatalf("h_value = %v", h)
	}
}

func TestShouldSpeakGatesWithoutMessageID(t *testing.T) {
	// No message id pins the hash at 1.0, which never beats a threshold
	// below 1.0.
	engine, _ := testEngine(t, config.TimingConfig{})
	msg := humanMsg("", "hello")
	d := engine.ShouldSpeak("hype_bot", msg, protocol.NowMS())
	if d.Emit || d.Reason != ReasonPGate {
		t.Fatalf("decision = %+v", d)
	}
	if h, _ := d.Tags["h_value"].(float64); h != 1.0 {
		t.Fatalf("h_value = %v", h)
	}
}

func TestShouldSpeakRecordsMentionAndHype(t *testing.T) {
	engine, st := testEngine(t, config.TimingConfig{})
	nowMS := protocol.NowMS()
	d := engine.ShouldSpeak("hype_bot", humanMsg("", "@Hype Bot that was POGGERS"), nowMS)
	if mention, _ := d.Tags["mention_detected"].(bool); !mention {
		t.Fatalf("tags = %v", d.Tags)
	}
	if hype, _ := d.Tags["hype_detected"].(bool); !hype {
		t.Fatalf("tags = %v", d.Tags)
	}
	if st.Persona("hype_bot").MentionsLast30s(nowMS) != 1 {
		t.Fatal("mention not recorded")
	}
	// Base 0.15 plus mention 0.35 plus hype 0.10.
	if p, _ := d.Tags["p_used"].(float64); p < 0.59 || p > 0.61 {
		t.Fatalf("p_used = %v", p)
	}
}

func TestThresholdRateDamping(t *testing.T) {
	engine, st := testEngine(t, config.TimingConfig{})
	nowMS := protocol.NowMS()
	room := st.Room("room:demo", 5, 10_000)
	for i := 0; i < 10; i++ {
		room.RecordEvent(nowMS)
	}
	d := engine.ShouldSpeak("hype_bot", humanMsg("", "hello"), nowMS)
	if rate, _ := d.Tags["rate_10s"].(int); rate != 10 {
		t.Fatalf("rate_10s = %v", d.Tags["rate_10s"])
	}
	// 0.15 - 0.01*10 = 0.05.
	if p, _ := d.Tags["p_used"].(float64); p < 0.049 || p > 0.051 {
		t.Fatalf("p_used = %v", p)
	}
}

func TestThresholdFloor(t *testing.T) {
	engine, st := testEngine(t, config.TimingConfig{})
	nowMS := protocol.NowMS()
	room := st.Room("room:demo", 5, 10_000)
	for i := 0; i < 50; i++ {
		room.RecordEvent(nowMS)
	}
	d := engine.ShouldSpeak("hype_bot", humanMsg("", "hello"), nowMS)
	if p, _ := d.Tags["p_used"].(float64); p != 0.02 {
		t.Fatalf("p_used = %v", p)
	}
}

func TestShouldSpeakExposesBotReactWeight(t *testing.T) {
	wt := 0.4
	engine, _ := testEngine(t, config.TimingConfig{BotReactToBotWt: &wt})
	d := engine.ShouldSpeak("hype_bot", humanMsg("", "hello"), protocol.NowMS())
	if got, _ := d.Tags["bot_react_to_bot_weight"].(float64); got != 0.4 {
		t.Fatalf("tags = %v", d.Tags)
	}
}
