package natsconn

import (
	"testing"
	"time"
)

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(Options{
		URL:           "nats://127.0.0.1:19999",
		MaxReconnects: 0,
		ReconnectWait: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error connecting to invalid NATS URL")
	}
}

func TestMergeSubjects_KeepsExistingAndAppendsMissing(t *testing.T) {
	got := mergeSubjects([]string{"ledger.>"}, []string{"ledger.>", "reports.>"})
	if len(got) != 2 {
		t.Fatalf("expected 2 subjects, got %v", got)
	}
	if got[0] != "ledger.>" || got[1] != "reports.>" {
		t.Fatalf("unexpected subjects: %v", got)
	}
}

func TestContainsSubject(t *testing.T) {
	if !containsSubject([]string{"a", "b"}, "b") {
		t.Fatal("expected b to be found")
	}
	if containsSubject(nil, "a") {
		t.Fatal("expected nil slice to contain nothing")
	}
}
