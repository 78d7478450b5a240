package profile

import (
	"strings"
	"testing"
)

func TestPathsUnderBase(t *testing.T) {
	base := BaseDir()
	for _, p := range []string{Dir("main"), LockPath("main"), DBPath("main"), LogDir("main"), LogPath("main"), ConfigPath()} {
		if !strings.HasPrefix(p, base) {
			t.Errorf("%q not under base dir %q", p, base)
		}
	}
	if !strings.HasSuffix(DBPath("work"), "profiles/work/sync.db") {
		t.Errorf("DBPath = %q", DBPath("work"))
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "profile-2", "my_profile"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "has/slash", strings.Repeat("x", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestResolveFlagWins(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve = %q, want override", got)
	}
}
