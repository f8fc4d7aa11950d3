package main

import (
	"testing"

	"github.com/aerocore/aero/membus"
)

func newTestBus(t *testing.T, ramSize int) (*membus.Bus, error) {
	t.Helper()
	return membus.New(ramSize)
}

func TestDecodeMode(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in      string
		wantErr bool
	}{
		{"strict", false},
		{"", false},
		{"lenient", false},
		{"bogus", true},
	} {
		_, err := decodeMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeMode(%q): err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
