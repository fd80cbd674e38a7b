package cachestatus

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		status CacheStatus
		want   string
	}{
		{CacheStatus{Status: Hit}, "swcache; hit"},
		{CacheStatus{Status: Fwd, FwdReason: FwdUriMiss, Stored: true}, "swcache; fwd=uri-miss; stored"},
		{CacheStatus{Status: Fwd, FwdReason: FwdBypass, Detail: "passthrough"}, "swcache; fwd=bypass; detail=passthrough"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Fatalf("Got %q, expected %q", got, tt.want)
		}
	}
}

func TestHitClearsForwardReason(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdUriMiss)
	cs.Hit()
	if cs.FwdReason != "" || !cs.IsHit() {
		t.Fatalf("Status is %+v", cs)
	}
}
