package daemon

import "testing"

func TestAbortSet_Match(t *testing.T) {
	t.Parallel()
	set := newAbortSet([]string{"stop", "pare", "please stop", "/stop", "停止"})

	tests := []struct {
		in   string
		want bool
	}{
		{"stop", true},
		{"STOP!", true},
		{"  Stop.  ", true},
		{"@clawbot stop", true},
		{"ｓｔｏｐ", true}, // full-width, folded by NFKC
		{"please   stop!!", true},
		{"Pare.", true},
		{"/stop", true},
		{"停止。", true},
		{"stop the music please", false},
		{"don't stop", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if got := set.Match(tt.in); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
