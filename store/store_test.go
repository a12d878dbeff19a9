package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/store"
)

func TestDefaultDynamoConfig(t *testing.T) {
	cfg := store.DefaultDynamoConfig()

	if cfg.RecordTable != "espalier_records" {
		t.Errorf("expected RecordTable 'espalier_records', got %q", cfg.RecordTable)
	}
	if cfg.RelationshipTable != "espalier_relationships" {
		t.Errorf("expected RelationshipTable 'espalier_relationships', got %q", cfg.RelationshipTable)
	}
	if cfg.UniqueTable != "espalier_unique_constraints" {
		t.Errorf("expected UniqueTable 'espalier_unique_constraints', got %q", cfg.UniqueTable)
	}
	if cfg.NumShards != 1 {
		t.Errorf("expected NumShards 1, got %d", cfg.NumShards)
	}
	if cfg.MaxTransactItems != 100 {
		t.Errorf("expected MaxTransactItems 100, got %d", cfg.MaxTransactItems)
	}
}

func TestNewDynamo_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
		expected  int
	}{
		{"zero shards", 0, 1},
		{"negative shards", -5, 1},
		{"valid shards", 16, 16},
		{"max shards", 256, 256},
		{"over max shards", 1000, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewDynamo(nil, store.DynamoConfig{NumShards: tt.numShards})
			cfg := s.Config()
			if cfg.NumShards != tt.expected {
				t.Errorf("expected NumShards %d, got %d", tt.expected, cfg.NumShards)
			}
			if cfg.RecordTable != "espalier_records" {
				t.Errorf("expected default RecordTable, got %q", cfg.RecordTable)
			}
		})
	}
}

func TestLoadDynamoConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynamo.yaml")
	data := "record_table: app_records\nnum_shards: 300\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := store.LoadDynamoConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RecordTable != "app_records" {
		t.Errorf("expected RecordTable 'app_records', got %q", cfg.RecordTable)
	}
	if cfg.NumShards != 256 {
		t.Errorf("expected NumShards clamped to 256, got %d", cfg.NumShards)
	}
	if cfg.UniqueTable != "espalier_unique_constraints" {
		t.Errorf("expected default UniqueTable, got %q", cfg.UniqueTable)
	}

	if _, err := store.LoadDynamoConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestIsDeleted(t *testing.T) {
	now := time.Now().Unix()

	tests := []struct {
		name     string
		item     map[string]types.AttributeValue
		expected bool
	}{
		{"no ttl", map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "1"}}, false},
		{"expired ttl", map[string]types.AttributeValue{"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now-10, 10)}}, true},
		{"future ttl", map[string]types.AttributeValue{"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now+3600, 10)}}, false},
		{"wrong type", map[string]types.AttributeValue{"ttl": &types.AttributeValueMemberS{Value: "soon"}}, false},
		{"unparseable", map[string]types.AttributeValue{"ttl": &types.AttributeValueMemberN{Value: "abc"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := store.IsDeleted(tt.item); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRecordExistsCondition(t *testing.T) {
	expected := "attribute_exists(id) AND (attribute_not_exists(#ttl) OR #ttl > :now)"
	if got := store.RecordExistsCondition(); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
	if store.TTLFilterNames()["#ttl"] != "ttl" {
		t.Error("expected #ttl name mapping")
	}
	v, ok := store.TTLFilterValues(42)[":now"].(*types.AttributeValueMemberN)
	if !ok || v.Value != "42" {
		t.Errorf("expected :now = 42, got %v", v)
	}
}

func TestConflictError(t *testing.T) {
	err := store.NewConflictError("r1", "record was modified concurrently")
	if !errors.Is(err, store.ErrConflict) {
		t.Error("expected ConflictError to match ErrConflict")
	}
	if err.Error() != "espalier: commit conflict on r1: record was modified concurrently" {
		t.Errorf("unexpected message %q", err.Error())
	}
	anon := store.NewConflictError("", "busy")
	if anon.Error() != "espalier: commit conflict: busy" {
		t.Errorf("unexpected message %q", anon.Error())
	}
}

func TestErrors(t *testing.T) {
	errs := []error{
		store.ErrConflict,
		store.ErrNotFound,
		store.ErrSnapshotReleased,
		store.ErrForeignSnapshot,
		store.ErrTransactionTooLarge,
		store.ErrClosed,
		store.ErrInvalidValue,
	}
	seen := make(map[string]bool)
	for _, err := range errs {
		if seen[err.Error()] {
			t.Errorf("duplicate error message %q", err.Error())
		}
		seen[err.Error()] = true
	}
}

func TestEqual(t *testing.T) {
	now := time.Now()
	tests := []struct {
		a, b     store.Value
		expected bool
	}{
		{nil, nil, true},
		{nil, "x", false},
		{"x", "x", true},
		{int64(1), int64(1), true},
		{int64(1), float64(1), false},
		{[]byte{1, 2}, []byte{1, 2}, true},
		{[]byte{1, 2}, []byte{1}, false},
		{now, now.UTC(), true},
		{now, now.Add(time.Second), false},
	}
	for _, tt := range tests {
		if got := store.Equal(tt.a, tt.b); got != tt.expected {
			t.Errorf("Equal(%v, %v): expected %v, got %v", tt.a, tt.b, tt.expected, got)
		}
	}
}

func TestOpString(t *testing.T) {
	if store.OpCreate.String() != "create" || store.OpUpdate.String() != "update" || store.OpDelete.String() != "delete" {
		t.Error("unexpected op names")
	}
	if (&store.Changes{Requires: []store.ID{"x"}}).Empty() != true {
		t.Error("expected changes with only requirements to be empty")
	}
	var nilChanges *store.Changes
	if !nilChanges.Empty() {
		t.Error("expected nil changes to be empty")
	}
}
