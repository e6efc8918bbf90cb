package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_MessageIDRedelivery(t *testing.T) {
	c := NewDedupeCache(20*time.Minute, 5000)

	if !c.ShouldAccept(DedupeMessageID, "sess", "m1", "hello", 0) {
		t.Fatal("first delivery should be accepted")
	}
	if c.ShouldAccept(DedupeMessageID, "sess", "m1", "hello", 0) {
		t.Error("redelivery of same message id should be rejected")
	}
	if !c.ShouldAccept(DedupeMessageID, "sess", "m2", "hello", 0) {
		t.Error("different message id should be accepted")
	}
	if !c.ShouldAccept(DedupeMessageID, "other", "m1", "hello", 0) {
		t.Error("same message id on another session should be accepted")
	}
}

func TestDedupeCache_MessageIDWithoutID(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	// Channels that never set a message id must not be filtered.
	for i := 0; i < 3; i++ {
		if !c.ShouldAccept(DedupeMessageID, "sess", "", "same text", 0) {
			t.Fatal("messages without an id should always be accepted in message-id mode")
		}
	}
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if !c.ShouldAccept(DedupeMessageID, "sess", "m1", "", 0) {
		t.Fatal("first delivery should be accepted")
	}

	now = now.Add(30 * time.Second)
	if c.ShouldAccept(DedupeMessageID, "sess", "m1", "", 0) {
		t.Error("still within TTL: should reject")
	}

	now = now.Add(31 * time.Second)
	if !c.ShouldAccept(DedupeMessageID, "sess", "m1", "", 0) {
		t.Error("after TTL the same id should be accepted again")
	}
}

func TestDedupeCache_PromptRepeat(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if !c.ShouldAccept(DedupePrompt, "sess", "", "ping", 10*time.Second) {
		t.Fatal("first prompt should be accepted")
	}
	if c.ShouldAccept(DedupePrompt, "sess", "", "ping", 10*time.Second) {
		t.Error("literal repeat within window should be rejected")
	}
	if !c.ShouldAccept(DedupePrompt, "sess", "", "pong", 10*time.Second) {
		t.Error("different prompt should be accepted")
	}

	// "pong" is now the most recent prompt, so "ping" is acceptable again.
	if !c.ShouldAccept(DedupePrompt, "sess", "", "ping", 10*time.Second) {
		t.Error("only the most recent prompt is checked")
	}

	now = now.Add(11 * time.Second)
	if !c.ShouldAccept(DedupePrompt, "sess", "", "ping", 10*time.Second) {
		t.Error("repeat outside window should be accepted")
	}
}

func TestDedupeCache_NoneMode(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	for i := 0; i < 3; i++ {
		if !c.ShouldAccept(DedupeNone, "sess", "m1", "same", 0) {
			t.Fatal("none mode must accept everything")
		}
	}
}

func TestDedupeCache_BoundedRetention(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 50; i++ {
		c.ShouldAccept(DedupeMessageID, "sess", fmt.Sprintf("m%d", i), "", 0)
	}
	if got := c.Len(); got > 10 {
		t.Errorf("cache exceeded cap: %d entries", got)
	}
	// The newest entry must still be tracked after eviction.
	if c.ShouldAccept(DedupeMessageID, "sess", "m49", "", 0) {
		t.Error("newest id should still be deduplicated after eviction")
	}
}
