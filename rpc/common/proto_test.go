package common

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/tuple"
)

func TestWriteRequestConversion(t *testing.T) {
	req := engine.NewWriteRequest(3, tuple.ID{Owner: 7, Key: "robot.pos"}, []byte("1,2"))
	req.MimeType = "text/plain"
	req.ExpireAfter = 1500 * time.Millisecond

	msg := NewTupleSetRequest(req)
	if msg.MsgType != MsgTTupleSet {
		t.Fatalf("Expected tuple set message, got %s", msg.MsgType)
	}

	back, err := msg.WriteRequest()
	if err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if back.ID != req.ID || back.Origin != 3 || back.Target() != req.Target() {
		t.Errorf("Identity lost: %+v", back)
	}
	if string(back.Data) != "1,2" || back.MimeType != "text/plain" || back.ExpireAfter != req.ExpireAfter {
		t.Errorf("Payload lost: %+v", back)
	}
}

func TestWriteRequestEmptyPayload(t *testing.T) {
	msg := NewTupleSetRequest(engine.NewWriteRequest(1, tuple.ID{Owner: 2, Key: "k"}, nil))
	if msg.Value == nil {
		t.Errorf("An empty payload must be encoded as an empty value")
	}
	if msg.ExpireIn != 0 {
		t.Errorf("Expected no expiry, got %d", msg.ExpireIn)
	}
}

func TestWriteRequestRejectsInvalid(t *testing.T) {
	if _, err := NewSuccessResponse("x").WriteRequest(); err == nil {
		t.Errorf("Expected error for a non write message")
	}
	msg := &Message{MsgType: MsgTTupleSet, RequestID: "not-a-uuid", Key: "k"}
	if _, err := msg.WriteRequest(); err == nil {
		t.Errorf("Expected error for an invalid request id")
	}
}

func TestMessageTypeJSON(t *testing.T) {
	for msgType := MsgTUnknown; msgType <= MsgTCustom; msgType++ {
		data, err := json.Marshal(msgType)
		if err != nil {
			t.Fatalf("Marshal %s: %v", msgType, err)
		}
		var back MessageType
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal %s: %v", data, err)
		}
		if back != msgType {
			t.Errorf("Expected %s, got %s", msgType, back)
		}
	}

	var bad MessageType
	if err := json.Unmarshal([]byte(`"nope"`), &bad); err == nil {
		t.Errorf("Expected error for unknown message type")
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := TransportConfig{}
	if cfg.Enabled() {
		t.Errorf("Transport without kind must be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Local only config must be valid: %v", err)
	}
	if got := cfg.WritesChannel(5); got != "dts:peis:5:writes" {
		t.Errorf("Unexpected channel %s", got)
	}

	cfg = TransportConfig{Kind: TransportRedis, ChannelPrefix: "lab", Serializer: "binary", Timeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Redis transport without address must be invalid")
	}
	cfg.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if got := cfg.WritesChannel(12); got != "lab:peis:12:writes" {
		t.Errorf("Unexpected channel %s", got)
	}
	if s := cfg.String(); !strings.Contains(s, "localhost:6379") {
		t.Errorf("Expected redis address in printout, got:%s", s)
	}

	cfg = TransportConfig{Kind: TransportTCP}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Socket transport without endpoints must be invalid")
	}
	cfg.Peers = map[int]string{2: "localhost:7002"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg = TransportConfig{Kind: "carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Unknown kind must be invalid")
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers([]string{"2=localhost:7002", "3=/tmp/peis3.sock"})
	if err != nil {
		t.Fatalf("ParsePeers: %v", err)
	}
	if peers[2] != "localhost:7002" || peers[3] != "/tmp/peis3.sock" {
		t.Errorf("Unexpected peers %v", peers)
	}

	for _, bad := range []string{"2", "x=host:1", "-1=host:1", "2="} {
		if _, err := ParsePeers([]string{bad}); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if _, err := ParseLogLevel(level); err != nil {
			t.Errorf("ParseLogLevel(%s): %v", level, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Errorf("Expected error for invalid level")
	}
}
