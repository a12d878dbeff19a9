package shard

import (
	"fmt"
	"strings"
	"testing"
)

func TestPK_SingleShard(t *testing.T) {
	tests := []struct {
		base     string
		member   string
		expected string
	}{
		{"type#studio", "s1", "type#studio#00"},
		{"type#studio", "s2", "type#studio#00"},
		{"link#s1#title.studio", "t1", "link#s1#title.studio#00"},
	}

	for _, tt := range tests {
		result := PK(tt.base, tt.member, 1)
		if result != tt.expected {
			t.Errorf("PK(%q, %q, 1) = %q, want %q", tt.base, tt.member, result, tt.expected)
		}
	}
}

func TestPK_ZeroShards(t *testing.T) {
	for _, n := range []int{0, -1} {
		if result := PK("type#a", "x", n); result != "type#a#00" {
			t.Errorf("numShards=%d: expected 'type#a#00', got %q", n, result)
		}
	}
}

func TestPK_Distribution(t *testing.T) {
	base := TypeBase("title")
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		pk := PK(base, fmt.Sprintf("record-%d", i), 16)
		if !strings.HasPrefix(pk, base+"#") {
			t.Fatalf("expected prefix %q#, got %q", base, pk)
		}
		counts[pk[len(base)+1:]]++
	}
	if len(counts) != 16 {
		t.Errorf("expected all 16 shards to be used, got %d", len(counts))
	}
}

func TestPK_Deterministic(t *testing.T) {
	first := PK("type#a", "x", 256)
	for i := 0; i < 100; i++ {
		if result := PK("type#a", "x", 256); result != first {
			t.Fatalf("expected deterministic result %q, got %q", first, result)
		}
	}
}

func TestAll(t *testing.T) {
	keys := All("type#a", 3)
	expected := []string{"type#a#00", "type#a#01", "type#a#02"}
	if len(keys) != len(expected) {
		t.Fatalf("expected %d keys, got %d", len(expected), len(keys))
	}
	for i := range keys {
		if keys[i] != expected[i] {
			t.Errorf("expected %q, got %q", expected[i], keys[i])
		}
	}

	if got := All("type#a", 0); len(got) != 1 || got[0] != "type#a#00" {
		t.Errorf("expected single shard for numShards=0, got %v", got)
	}
}

func TestAll_ContainsEveryPK(t *testing.T) {
	keys := make(map[string]bool)
	for _, k := range All(LinkBase("s1", "title.studio"), 16) {
		keys[k] = true
	}
	for i := 0; i < 200; i++ {
		pk := LinkPK("s1", "title.studio", fmt.Sprintf("t%d", i), 16)
		if !keys[pk] {
			t.Errorf("LinkPK %q not covered by All", pk)
		}
	}
}

func TestTypeAndLinkPK(t *testing.T) {
	if got := TypePK("studio", "s1", 1); got != "type#studio#00" {
		t.Errorf("expected 'type#studio#00', got %q", got)
	}
	if got := LinkPK("s1", "title.studio", "t1", 1); got != "link#s1#title.studio#00" {
		t.Errorf("expected 'link#s1#title.studio#00', got %q", got)
	}
}

func TestUniqueConstraintPK(t *testing.T) {
	pk := UniqueConstraintPK("asset.slug", "main")
	if len(pk) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%q)", len(pk), pk)
	}
	if pk != UniqueConstraintPK("asset.slug", "main") {
		t.Error("expected deterministic unique constraint PK")
	}

	tests := []struct {
		name   string
		aScope string
		aKey   string
		bScope string
		bKey   string
	}{
		{"different key", "asset.slug", "main", "asset.slug", "other"},
		{"different scope", "asset.slug", "main", "studio.slug", "main"},
		{"case sensitive", "asset.slug", "Main", "asset.slug", "main"},
		{"whitespace", "asset.slug", "main", "asset.slug", "main "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if UniqueConstraintPK(tt.aScope, tt.aKey) == UniqueConstraintPK(tt.bScope, tt.bKey) {
				t.Errorf("expected different PKs for %q/%q and %q/%q", tt.aScope, tt.aKey, tt.bScope, tt.bKey)
			}
		})
	}
}

func BenchmarkPK_256Shards(b *testing.B) {
	for i := 0; i < b.N; i++ {
		PK("type#studio", "record-123", 256)
	}
}

func BenchmarkUniqueConstraintPK(b *testing.B) {
	for i := 0; i < b.N; i++ {
		UniqueConstraintPK("asset.slug", "main-studio")
	}
}
