package security

import "testing"

func TestTextSanitizer_Clean(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Whirlwind Rend", "Whirlwind Rend"},
		{"strips tags", "<b>Speed</b> Build", "Speed Build"},
		{"drops script", "Push<script>alert(1)</script>", "Push"},
		{"unescapes entities", "Rend &amp; Whirl", "Rend & Whirl"},
		{"keeps apostrophe", "Tal Rasha's Set", "Tal Rasha's Set"},
		{"collapses whitespace", "  GR  \n 150  ", "GR 150"},
		{"drops NUL", "Rend\x00 Whirl", "Rend Whirl"},
		{"drops invalid UTF-8", "Speed\xff Build", "Speed Build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	once := s.Clean("<i>Natalya's</i> &amp; Vengeance")
	if twice := s.Clean(once); twice != once {
		t.Errorf("Clean is not idempotent: %q -> %q", once, twice)
	}
}
