package bus

import (
	"errors"
	"testing"
)

func TestJobUpdateSubject(t *testing.T) {
	cases := map[string]string{
		"t1":         "sys.job.update.t1",
		"acme.co":    "sys.job.update.acme_co",
		"a*b>c":      "sys.job.update.a_b_c",
		"  ":         "sys.job.update._",
		"with space": "sys.job.update.with_space",
	}
	for tenant, want := range cases {
		if got := JobUpdateSubject(tenant); got != want {
			t.Fatalf("JobUpdateSubject(%q)=%q want %q", tenant, got, want)
		}
	}
	if JobUpdateWildcard != "sys.job.update.>" {
		t.Fatalf("unexpected wildcard %q", JobUpdateWildcard)
	}
}

func TestNilBusGuards(t *testing.T) {
	var b *NatsBus
	if err := b.PublishJSON("x", map[string]string{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if err := b.Subscribe("x", "", func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if b.IsConnected() {
		t.Fatalf("nil bus should not be connected")
	}
	if b.Status() != "UNKNOWN" || b.ConnectedURL() != "" {
		t.Fatalf("unexpected nil bus status")
	}
	b.Close()
}

func TestNewNatsBusKeepsRetryingWhenUnreachable(t *testing.T) {
	b, err := NewNatsBus("nats://127.0.0.1:1", "test")
	if err != nil {
		t.Fatalf("unreachable server at start must not fail: %v", err)
	}
	defer b.Close()
	if b.IsConnected() {
		t.Fatalf("expected not connected")
	}
	if got := b.Status(); got != "RECONNECTING" {
		t.Fatalf("expected RECONNECTING, got %s", got)
	}
	if err := b.PublishJSON(JobUpdateSubject("t1"), map[string]string{"status": "running"}); err != nil {
		t.Fatalf("publish while reconnecting should be buffered, got %v", err)
	}
}
