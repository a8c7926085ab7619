package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"Main Substation (North)", "main_substation_north"},
		{"feeder-12.png", "feeder_12_png"},
		{"  ", "unknown_diagram"},
		{"", "unknown_diagram"},
		{"ÉLECTRIQUE 2", "lectrique_2"},
		{"Already_slug", "already_slug"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.input); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMintID(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got := MintID("Main Substation", now, 1); got != "main_substation_20240309_140507" {
		t.Fatalf("attempt 1 = %q", got)
	}
	if got := MintID("Main Substation", now, 2); got != "main_substation_20240309_140507_2" {
		t.Fatalf("attempt 2 = %q", got)
	}
	local := now.In(time.FixedZone("X", 3600))
	if MintID("a", local, 1) != MintID("a", now, 1) {
		t.Fatal("ids must be rendered in UTC")
	}
}

func TestScopeFilter(t *testing.T) {
	if got := ScopeFilter("n", "diagram_id"); got != "n.diagram_id = $diagram_id" {
		t.Fatalf("got %q", got)
	}
}

func TestMintBase(t *testing.T) {
	if mintBase("T", "s.png") != "T" {
		t.Fatal("title first")
	}
	if mintBase(" ", "s.png") != "s.png" {
		t.Fatal("source second")
	}
	if mintBase("", "") != fallbackSlug {
		t.Fatal("fallback")
	}
}

func idRecords(ids ...string) []*neo4j.Record {
	recs := make([]*neo4j.Record, len(ids))
	for i, id := range ids {
		recs[i] = rec(map[string]any{"id": id})
	}
	return recs
}

func TestRegistryMint_Free(t *testing.T) {
	tx := &scriptedTx{}
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	id, err := Registry{}.Mint(context.Background(), tx, "Plant", now)
	if err != nil {
		t.Fatal(err)
	}
	if id != "plant_20240309_140507" {
		t.Fatalf("id = %q", id)
	}
	if tx.calls[0].params["stem"] != "plant_20240309_140507" {
		t.Fatalf("params = %v", tx.calls[0].params)
	}
	if !strings.Contains(tx.calls[0].cypher, "DiagramTombstone") {
		t.Fatal("mint must also consider deleted ids")
	}
}

func TestRegistryMint_Collision(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	tx := &scriptedTx{rules: []rule{{match: "STARTS WITH", records: idRecords(
		"plant_20240309_140507",
		"plant_20240309_140507_2",
	)}}}
	id, err := Registry{}.Mint(context.Background(), tx, "Plant", now)
	if err != nil {
		t.Fatal(err)
	}
	if id != "plant_20240309_140507_3" {
		t.Fatalf("id = %q", id)
	}
}

func TestRegistryMint_Exhausted(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	var ids []string
	for i := 1; i <= maxMintAttempts; i++ {
		ids = append(ids, MintID("Plant", now, i))
	}
	tx := &scriptedTx{rules: []rule{{match: "STARTS WITH", records: idRecords(ids...)}}}
	_, err := Registry{}.Mint(context.Background(), tx, "Plant", now)
	if !errors.Is(err, ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestRegistryMint_RunError(t *testing.T) {
	tx := &scriptedTx{rules: []rule{{match: "STARTS WITH", err: fmt.Errorf("boom")}}}
	if _, err := (Registry{}).Mint(context.Background(), tx, "Plant", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
