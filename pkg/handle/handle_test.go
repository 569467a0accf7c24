package handle

import "testing"

func TestNormalize_CaseInsensitive(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{"lower vs upper", "21.12102/ab", "21.12102/AB"},
		{"mixed case", "21.12102/Ab", "21.12102/aB"},
		{"whitespace trimmed", " 21.12102/ab ", "21.12102/AB"},
		{"uuid suffix", "21.12102/cc724d36-24b6-4df8-a8e0-f04fac555063", "21.12102/CC724D36-24B6-4DF8-A8E0-F04FAC555063"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Normalize(tt.a) != Normalize(tt.b) {
				t.Errorf("Normalize(%q) = %q, Normalize(%q) = %q, want equal",
					tt.a, Normalize(tt.a), tt.b, Normalize(tt.b))
			}
			if !Equal(tt.a, tt.b) {
				t.Errorf("Equal(%q, %q) = false, want true", tt.a, tt.b)
			}
		})
	}
}

func TestNormalize_Canonical(t *testing.T) {
	if got := Normalize("21.12102/ab"); got != "21.12102/AB" {
		t.Errorf("Normalize() = %q, want %q", got, "21.12102/AB")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		prefix      string
		suffix      string
		expectError bool
	}{
		{"valid", "21.12102/000000568BF6", "21.12102", "000000568BF6", false},
		{"suffix with slash", "21.12102/a/b", "21.12102", "a/b", false},
		{"no separator", "21.12102", "", "", true},
		{"empty prefix", "/abc", "", "", true},
		{"empty suffix", "21.12102/", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, suffix, err := Split(tt.id)
			if tt.expectError {
				if err == nil {
					t.Errorf("Split(%q) expected error, got %q/%q", tt.id, prefix, suffix)
				}
				return
			}
			if err != nil {
				t.Fatalf("Split(%q) unexpected error: %v", tt.id, err)
			}
			if prefix != tt.prefix || suffix != tt.suffix {
				t.Errorf("Split(%q) = %q, %q, want %q, %q", tt.id, prefix, suffix, tt.prefix, tt.suffix)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	if got := Join("21.12102", "AB"); got != "21.12102/AB" {
		t.Errorf("Join() = %q, want %q", got, "21.12102/AB")
	}
}
