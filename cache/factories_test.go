package cache

import (
	"testing"
)

type sample struct {
	Name  string `json:"name" msgpack:"name"`
	Count int    `json:"count" msgpack:"count"`
}

func TestJSONMarshaller(t *testing.T) {
	m := NewJSONMarshaller()

	data, err := m.Marshal(sample{Name: "a", Count: 3})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := m.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Name != "a" || out.Count != 3 {
		t.Fatalf("Round trip mismatch: %+v", out)
	}
}

func TestJSONMarshallerUnknownFieldsIgnored(t *testing.T) {
	m := NewJSONMarshaller()

	// A newer writer may add fields; an older reader must tolerate them.
	var out sample
	if err := m.Unmarshal([]byte(`{"name":"a","count":1,"added_later":true}`), &out); err != nil {
		t.Fatalf("Unmarshal should ignore unknown fields: %v", err)
	}
	if out.Name != "a" {
		t.Fatalf("Expected 'a', got %s", out.Name)
	}
}

func TestMsgpackMarshaller(t *testing.T) {
	m := NewMsgpackMarshaller()

	data, err := m.Marshal(sample{Name: "b", Count: 7})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := m.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Name != "b" || out.Count != 7 {
		t.Fatalf("Round trip mismatch: %+v", out)
	}
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()

	// Must not panic with or without args.
	l.Debug("msg")
	l.Info("msg", "k", "v")
	l.Warn("msg", "k", 1)
	l.Error("msg", "error", nil)
}

func TestConsoleLogger(t *testing.T) {
	l := NewConsoleLogger("test")

	l.Debug("debug msg", "k", "v")
	l.Info("info msg")
	l.Warn("warn msg")
	l.Error("error msg")
}
