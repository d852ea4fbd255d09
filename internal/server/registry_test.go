package server

import "testing"

func TestRegistryLimit(t *testing.T) {
	r := NewRegistry(2)
	a, ok := r.Add("10.0.0.1:1000")
	if !ok {
		t.Fatal("first Add rejected")
	}
	if _, ok := r.Add("10.0.0.2:1000"); !ok {
		t.Fatal("second Add rejected")
	}
	if _, ok := r.Add("10.0.0.3:1000"); ok {
		t.Fatal("Add over the limit accepted")
	}
	r.Remove(a)
	if _, ok := r.Add("10.0.0.3:1000"); !ok {
		t.Fatal("Add after Remove rejected")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(0)
	if got := r.Stats().SuccessRate; got != "0%" {
		t.Errorf("empty SuccessRate = %q", got)
	}

	id, _ := r.Add("10.0.0.1:1000")
	for i := 0; i < 3; i++ {
		r.FrameReceived(id)
	}
	r.FrameProcessed()
	r.FrameProcessed()
	r.FrameFailed()
	r.DeliveryFailed()
	r.SetIMEI(id, "356307042441013")

	st := r.Stats()
	if st.TotalPacketsReceived != 3 || st.TotalPacketsProcessed != 2 || st.TotalPacketsFailed != 1 || st.DeliveryFailed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.SuccessRate != "66.67%" {
		t.Errorf("SuccessRate = %q, want 66.67%%", st.SuccessRate)
	}

	conns := r.Connections()
	if len(conns) != 1 || conns[0].PacketsReceived != 3 || conns[0].IMEI != "356307042441013" || conns[0].LastPacketAt.IsZero() {
		t.Errorf("connections = %+v", conns)
	}

	// Unknown ids only move the totals.
	r.FrameReceived(99)
	r.SetIMEI(99, "x")
	if r.Stats().TotalPacketsReceived != 4 {
		t.Error("total not counted for unknown id")
	}
}
