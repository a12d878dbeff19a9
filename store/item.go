package store

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// RecordKey returns the record table key of id.
func RecordKey(id ID) PK {
	return PK{"id": &types.AttributeValueMemberS{Value: string(id)}}
}

// UniqueKey returns the unique table key of a hashed index key.
func UniqueKey(pk string) PK {
	return PK{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: "CONSTRAINT"},
	}
}

// RelationshipKey returns the relationship table key of a row.
func RelationshipKey(shardPK string, ref ID) PK {
	return PK{
		"pk":  &types.AttributeValueMemberS{Value: shardPK},
		"ref": &types.AttributeValueMemberS{Value: string(ref)},
	}
}

// Item is a record read from the record table.
type Item struct {
	// Raw is the raw DynamoDB item.
	Raw map[string]types.AttributeValue

	ID   ID
	Type string

	// Version is the optimistic lock version.
	Version int64

	Properties map[string]Value
	Links      map[string][]ID

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string
}

// UnmarshalItem decodes a record table item.
func UnmarshalItem(raw map[string]types.AttributeValue) (*Item, error) {
	item := &Item{
		Raw:        raw,
		Properties: make(map[string]Value),
		Links:      make(map[string][]ID),
	}
	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		item.ID = ID(v.Value)
	}
	if v, ok := raw["type"].(*types.AttributeValueMemberS); ok {
		item.Type = v.Value
	}
	if v, ok := raw["version"].(*types.AttributeValueMemberN); ok {
		item.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw["created_at"].(*types.AttributeValueMemberS); ok {
		item.CreatedAt = v.Value
	}
	if v, ok := raw["updated_at"].(*types.AttributeValueMemberS); ok {
		item.UpdatedAt = v.Value
	}
	if m, ok := raw["props"].(*types.AttributeValueMemberM); ok {
		for field, av := range m.Value {
			b, ok := av.(*types.AttributeValueMemberB)
			if !ok {
				return nil, fmt.Errorf("property %s of %s: %w", field, item.ID, ErrInvalidValue)
			}
			v, err := DecodeValue(b.Value)
			if err != nil {
				return nil, fmt.Errorf("property %s of %s: %w", field, item.ID, err)
			}
			item.Properties[field] = v
		}
	}
	if m, ok := raw["links"].(*types.AttributeValueMemberM); ok {
		for field, av := range m.Value {
			var ids []ID
			if err := attributevalue.Unmarshal(av, &ids); err != nil {
				return nil, fmt.Errorf("link %s of %s: %w", field, item.ID, err)
			}
			item.Links[field] = ids
		}
	}
	return item, nil
}

func marshalValue(v Value) (types.AttributeValue, error) {
	b, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberB{Value: b}, nil
}

func marshalProperties(props map[string]Value) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(props))
	for field, v := range props {
		if v == nil {
			continue
		}
		av, err := marshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", field, err)
		}
		out[field] = av
	}
	return out, nil
}

func marshalLinks(links map[string][]ID) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(links))
	for field, ids := range links {
		if len(ids) == 0 {
			continue
		}
		av, err := attributevalue.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", field, err)
		}
		out[field] = av
	}
	return out, nil
}
