package channels

import "testing"

func TestSenderRateLimiter_BurstThenThrottle(t *testing.T) {
	r := NewSenderRateLimiter(20) // burst 5

	allowed := 0
	for i := 0; i < 10; i++ {
		if r.Allow("sender") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d of a 10-message burst, want the burst size (5)", allowed)
	}

	// A different sender has its own bucket.
	if !r.Allow("other") {
		t.Error("independent sender should not be throttled")
	}
}

func TestSenderRateLimiter_Disabled(t *testing.T) {
	r := NewSenderRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("sender") {
			t.Fatal("rpm 0 should disable limiting")
		}
	}
}
