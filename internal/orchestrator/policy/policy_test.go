package policy

import (
	"testing"
	"time"
)

func TestValidate_OwnerLeaseCoversPolls(t *testing.T) {
	tests := []struct {
		name  string
		poll  time.Duration
		lease time.Duration
		want  time.Duration
	}{
		{"kept", 100 * time.Millisecond, time.Second, time.Second},
		{"zero uses default", 100 * time.Millisecond, 0, 15 * time.Second},
		{"short for slow polls", 10 * time.Second, time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Loop.PollInterval = tt.poll
			c.Loop.OwnerLease = tt.lease
			if err := c.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if c.Loop.OwnerLease != tt.want {
				t.Errorf("OwnerLease = %v, want %v", c.Loop.OwnerLease, tt.want)
			}
		})
	}
}
