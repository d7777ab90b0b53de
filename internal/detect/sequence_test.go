package detect

import (
	"testing"
	"time"
)

// TestSequenceDetector_ExfilScenario is the literal scenario from spec.md §8.5.
func TestSequenceDetector_ExfilScenario(t *testing.T) {
	sd := NewSequenceDetector(300*time.Second, 0)

	alerts := sd.CheckExec("cat", []string{"cat", "/home/user/.ssh/id_rsa"})
	if len(alerts) != 0 {
		t.Fatalf("cat /home/user/.ssh/id_rsa should not alert by itself, got %+v", alerts)
	}
	if sd.AccessCount() != 1 {
		t.Fatalf("AccessCount() = %d, want 1", sd.AccessCount())
	}

	alerts = sd.CheckExec("curl", []string{"curl", "https://x"})
	if len(alerts) != 1 {
		t.Fatalf("curl after a sensitive access should alert, got %+v", alerts)
	}
	a := alerts[0]
	if a.Category != CategorySequence {
		t.Errorf("Category = %v, want CategorySequence", a.Category)
	}
	found := false
	for _, p := range a.Paths {
		if p == "/home/user/.ssh/id_rsa" {
			found = true
		}
	}
	if !found {
		t.Errorf("Paths = %v, want to contain the accessed id_rsa path", a.Paths)
	}
}

func TestSequenceDetector_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sd := NewSequenceDetector(10*time.Second, 0)
	sd.now = func() time.Time { return now }

	sd.CheckExec("cat", []string{"cat", "/home/user/.ssh/id_rsa"})

	now = now.Add(20 * time.Second) // past the TTL
	alerts := sd.CheckExec("curl", []string{"curl", "https://x"})
	if len(alerts) != 0 {
		t.Fatalf("expected no alert once the access has expired, got %+v", alerts)
	}
}

func TestSequenceDetector_Bound(t *testing.T) {
	sd := NewSequenceDetector(time.Hour, 5)
	for i := 0; i < 50; i++ {
		sd.CheckExec("cat", []string{"cat", "/home/user/.ssh/id_rsa"})
		if sd.AccessCount() > 5 {
			t.Fatalf("AccessCount() = %d, want <= 5 at all times", sd.AccessCount())
		}
	}
}

func TestSequenceDetector_NonSensitiveArgvIgnored(t *testing.T) {
	sd := NewSequenceDetector(time.Hour, 0)
	sd.CheckExec("cat", []string{"cat", "/etc/hostname"})
	if sd.AccessCount() != 0 {
		t.Fatalf("AccessCount() = %d, want 0 for a non-sensitive path", sd.AccessCount())
	}
}

func TestSequenceDetector_NetworkCommandWithEmptyDequeDoesNotAlert(t *testing.T) {
	sd := NewSequenceDetector(time.Hour, 0)
	alerts := sd.CheckExec("curl", []string{"curl", "https://x"})
	if len(alerts) != 0 {
		t.Fatalf("expected no alert with an empty deque, got %+v", alerts)
	}
}
