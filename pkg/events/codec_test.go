package events

import (
	"testing"

	"github.com/fnplane/fnplane/pkg/engine"
)

func TestEncodeWireFormat(t *testing.T) {
	data, err := Encode(engine.LifecycleEvent{ApplicationName: "orders", Kind: engine.EventUpdateRequested})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `{"applicationName":"orders","type":"UPDATE_REQUESTED"}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"missing name", `{"type":"CREATE_REQUESTED"}`},
		{"unknown type", `{"applicationName":"orders","type":"RESTART_REQUESTED"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestNewKafkaBusValidation(t *testing.T) {
	if _, err := NewKafkaBus(KafkaConfig{Topic: "t", GroupID: "g"}, Options{}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, Options{}); err == nil {
		t.Error("expected error without topic")
	}
	bus, err := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"}, Options{})
	if err != nil {
		t.Fatalf("NewKafkaBus failed: %v", err)
	}
	if bus.cfg.Consumers != 1 {
		t.Errorf("consumers = %d, want default 1", bus.cfg.Consumers)
	}
	_ = bus.Close()
}
