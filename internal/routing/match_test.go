package routing

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/api/generate", "/api", true},
		{"/api", "/api", true},
		{"/api/", "/api/", true},
		{"/api/analyze", "/api/", true},
		{"/api.evil.com/steal", "/api", false},
		{"/api-extended", "/api", false},
		{"/apiary", "/api", false},
		{"/admin/keys", "/admin", true},
		{"/health", "/api", false},
		{"/anything", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"_vs_"+tt.prefix, func(t *testing.T) {
			if got := MatchesPrefix(tt.path, tt.prefix); got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestLongestMatch(t *testing.T) {
	prefixes := []string{"/api", "/api/analyze", "/admin"}

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"/api/analyze", "/api/analyze", true},
		{"/api/generate", "/api", true},
		{"/admin/config", "/admin", true},
		{"/ready", "", false},
	}
	for _, tt := range tests {
		got, ok := LongestMatch(tt.path, prefixes)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("LongestMatch(%q) = (%q, %v), want (%q, %v)", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}

	if MatchesAny("/metrics", prefixes) {
		t.Error("MatchesAny(/metrics) = true, want false")
	}
}
