package monitoring

import (
	"expvar"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter("protoswitch.test.counter")
	c.Inc()
	c.Add(4)
	c.Dec()
	if got := c.Get(); got != 4 {
		t.Errorf("Get() = %d, want 4", got)
	}
	if got := c.String(); got != "4" {
		t.Errorf("String() = %q, want %q", got, "4")
	}
	if v := expvar.Get("protoswitch.test.counter"); v == nil {
		t.Error("counter was not published")
	}
}
