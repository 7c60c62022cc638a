package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeRun, IDTypeList} {
		t.Run(string(idType), func(t *testing.T) {
			before := time.Now().Truncate(time.Second)
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID(%s) returned error: %v", idType, err)
			}
			if !strings.HasPrefix(id, string(idType)+"_") {
				t.Errorf("expected prefix %q, got %q", idType, id)
			}
			g, ok := ParseID(id)
			if !ok {
				t.Fatalf("generated ID %q does not parse", id)
			}
			if g.Type != idType {
				t.Errorf("type: got %q, want %q", g.Type, idType)
			}
			if g.Issued.Before(before) {
				t.Errorf("issued %v is before %v", g.Issued, before)
			}
		})
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("invalid"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeRun)
		if err != nil {
			t.Fatalf("GenerateID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"run", "run_1771722000_a3f2b7c1", true},
		{"list", "list_1771722060_b7c1d4e9", true},
		{"caller chosen", "nightly-build", false},
		{"unknown prefix", "xxx_1771722000_a3f2b7c1", false},
		{"short timestamp", "run_177172200_a3f2b7c1", false},
		{"long timestamp", "run_17717220001_a3f2b7c1", false},
		{"uppercase hex", "run_1771722000_A3F2B7C1", false},
		{"short hex", "run_1771722000_a3f2b7c", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ParseID(tt.id); ok != tt.ok {
				t.Errorf("ParseID(%q) ok = %v, want %v", tt.id, ok, tt.ok)
			}
		})
	}

	g, _ := ParseID("list_1771722060_b7c1d4e9")
	if g.Type != IDTypeList || g.Issued.Unix() != 1771722060 || g.Nonce != "b7c1d4e9" {
		t.Errorf("unexpected decode: %+v", g)
	}
}

func TestGeneratedID_Age(t *testing.T) {
	g, _ := ParseID("run_1771722000_a3f2b7c1")
	now := time.Unix(1771722090, 500_000_000)
	if got := g.Age(now); got != 90*time.Second {
		t.Errorf("age: got %v, want 90s", got)
	}
}
