package item

import "testing"

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateSkipped, false},
		{StatePushed, true},
		{StateUploadFailed, true},
		{StateNotPushed, true},
		{StateDeleted, true},
		{StateMissing, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestDestinationApplicable(t *testing.T) {
	tests := []struct {
		arch     string
		itemArch string
		want     bool
	}{
		{"", "x86_64", true},
		{"x86_64", "x86_64", true},
		{"aarch64", "x86_64", false},
		{"x86_64", "aarch64", false},
	}

	for _, tt := range tests {
		d := Destination{Destination: "offer/plan", Architecture: tt.arch}
		if got := d.Applicable(tt.itemArch); got != tt.want {
			t.Errorf("Applicable(arch=%q, item=%q) = %v, want %v", tt.arch, tt.itemArch, got, tt.want)
		}
	}
}

func TestWithStateKeepsOriginal(t *testing.T) {
	orig := PushItem{Name: "image", State: StatePending}
	updated := orig.WithState(StatePushed)

	if updated.State != StatePushed {
		t.Errorf("updated state = %s, want %s", updated.State, StatePushed)
	}
	if orig.State != StatePending {
		t.Errorf("original state changed to %s", orig.State)
	}
}

func TestWithDestinationsCopiesSlice(t *testing.T) {
	dests := []Destination{{Destination: "offer/plan"}}
	pi := PushItem{Name: "image"}.WithDestinations(dests)

	dests[0].Destination = "mutated"
	if pi.Destinations[0].Destination != "offer/plan" {
		t.Errorf("destination aliased caller slice: %q", pi.Destinations[0].Destination)
	}
}

func TestWithImageID(t *testing.T) {
	pi := PushItem{Name: "image"}.WithImageID("ami-123")
	if pi.ImageID != "ami-123" {
		t.Errorf("image id = %q, want ami-123", pi.ImageID)
	}
}
