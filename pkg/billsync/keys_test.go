package billsync

import "testing"

func TestVerifyKey(t *testing.T) {
	tests := []struct {
		name       string
		supplied   string
		configured string
		want       bool
	}{
		{"match", "whsec_abc123", "whsec_abc123", true},
		{"mismatch", "whsec_abc123", "whsec_other", false},
		{"empty supplied", "", "whsec_abc123", false},
		{"empty configured", "whsec_abc123", "", false},
		{"both empty", "", "", false},
		{"prefix is not a match", "whsec_abc", "whsec_abc123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyKey(tt.supplied, tt.configured); got != tt.want {
				t.Errorf("VerifyKey(%q, %q) = %v, want %v", tt.supplied, tt.configured, got, tt.want)
			}
		})
	}
}
