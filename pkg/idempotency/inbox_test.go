package idempotency

import (
	"testing"
	"time"
)

func TestGenerateKeyDeterministic(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 15, 0, time.UTC)

	a := GenerateKey("dr-1", "pt-9", "Warfarin", at)
	b := GenerateKey("dr-1", "pt-9", "warfarin ", at.Add(20*time.Second))
	if a != b {
		t.Fatal("same proposal within the same minute should produce the same key")
	}
}

func TestGenerateKeyDistinguishesComponents(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	base := GenerateKey("dr-1", "pt-9", "warfarin", at)

	cases := map[string]string{
		"physician": GenerateKey("dr-2", "pt-9", "warfarin", at),
		"patient":   GenerateKey("dr-1", "pt-8", "warfarin", at),
		"drug":      GenerateKey("dr-1", "pt-9", "aspirin", at),
		"minute":    GenerateKey("dr-1", "pt-9", "warfarin", at.Add(time.Minute)),
	}
	for name, key := range cases {
		if key == base {
			t.Errorf("changing %s should change the key", name)
		}
	}
}
