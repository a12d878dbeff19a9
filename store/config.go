package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DynamoConfig holds configuration for the DynamoStore.
type DynamoConfig struct {
	// RecordTable holds one item per record.
	// Default: "espalier_records"
	RecordTable string `yaml:"record_table"`

	// RelationshipTable holds the per-type membership rows and the reverse
	// link index.
	// Default: "espalier_relationships"
	RelationshipTable string `yaml:"relationship_table"`

	// UniqueTable holds one item per claimed unique index key.
	// Default: "espalier_unique_constraints"
	UniqueTable string `yaml:"unique_table"`

	// NumShards is the number of shards for relationship partitions.
	// Higher values increase write throughput per type or per linked record
	// but require more parallel queries.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int `yaml:"num_shards"`

	// MaxTransactItems caps the number of items in one commit transaction.
	// Default: 100 (the DynamoDB limit)
	MaxTransactItems int `yaml:"max_transact_items"`
}

// DefaultDynamoConfig returns sensible defaults for small datasets.
func DefaultDynamoConfig() DynamoConfig {
	return DynamoConfig{
		RecordTable:       "espalier_records",
		RelationshipTable: "espalier_relationships",
		UniqueTable:       "espalier_unique_constraints",
		NumShards:         1,
		MaxTransactItems:  100,
	}
}

// LoadDynamoConfig reads a YAML file on top of DefaultDynamoConfig.
func LoadDynamoConfig(path string) (DynamoConfig, error) {
	cfg := DefaultDynamoConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read dynamo config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse dynamo config: %w", err)
	}
	cfg.validate()
	return cfg, nil
}

// validate ensures config values are within acceptable bounds.
func (c *DynamoConfig) validate() {
	def := DefaultDynamoConfig()
	if c.RecordTable == "" {
		c.RecordTable = def.RecordTable
	}
	if c.RelationshipTable == "" {
		c.RelationshipTable = def.RelationshipTable
	}
	if c.UniqueTable == "" {
		c.UniqueTable = def.UniqueTable
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.MaxTransactItems < 1 || c.MaxTransactItems > 100 {
		c.MaxTransactItems = 100
	}
}
