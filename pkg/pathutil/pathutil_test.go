package pathutil

import "testing"

func TestWithin(t *testing.T) {
	tests := []struct {
		candidate, parent string
		within, strictly  bool
	}{
		{"/srv/ws/DXTR-1", "/srv/ws", true, true},
		{"/srv/ws/a/b", "/srv/ws/", true, true},
		{"/srv/ws", "/srv/ws", true, false},
		{"/srv/ws/../other", "/srv/ws", false, false},
		{"/srv/wsx", "/srv/ws", false, false},
		{"/srv/ws/..data", "/srv/ws", true, true},
		{"relative/ws", "/srv/ws", false, false},
	}
	for _, tt := range tests {
		if got := Within(tt.candidate, tt.parent); got != tt.within {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.candidate, tt.parent, got, tt.within)
		}
		if got := StrictlyWithin(tt.candidate, tt.parent); got != tt.strictly {
			t.Errorf("StrictlyWithin(%q, %q) = %v, want %v", tt.candidate, tt.parent, got, tt.strictly)
		}
	}
}

func TestIsFilesystemRoot(t *testing.T) {
	for path, want := range map[string]bool{
		"/":          true,
		"//":         true,
		"/tmp":       false,
		"":           false,
		".":          false,
		"/srv/../":   true,
		"workspaces": false,
	} {
		if got := IsFilesystemRoot(path); got != want {
			t.Errorf("IsFilesystemRoot(%q) = %v, want %v", path, got, want)
		}
	}
}
