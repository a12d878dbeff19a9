// Package stream turns DynamoDB Streams records of the record table into
// change notifications, so that processes other than the writer can observe
// committed changes.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/session"
	"github.com/jacentio/espalier/store"
)

// Handler delivers stream records to listeners at session.PhaseAsync.
type Handler struct {
	listeners *session.Listeners
	logger    *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(ls *session.Listeners, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if ls == nil {
		ls = session.NewListeners()
	}
	return &Handler{
		listeners: ls,
		logger:    logger,
	}
}

// HandleChanges processes a batch of stream records in order. It is designed
// to be used as an AWS Lambda handler: a listener error fails the batch so
// that it is retried.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err
		}
	}
	return nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	c, ok, err := ChangeFromRecord(record)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if !ok {
		return nil
	}
	h.logger.Debug("delivering change",
		"record", c.ID,
		"type", c.Type,
		"kind", c.Kind.String(),
	)
	ev := session.Event{Kind: c.Kind, Phase: session.PhaseAsync, Change: c}
	if err := h.listeners.Deliver(ctx, ev); err != nil {
		return fmt.Errorf("deliver %s of %s: %w", c.Kind, c.ID, err)
	}
	return nil
}

// ChangeFromRecord derives the change a stream record describes. It reports
// false for records that carry no change: rows of other tables, writes to
// records already deleted, TTL expiry, and updates that only touched
// bookkeeping attributes.
//
// A delete shows up as the TTL being set, so it is reported as removed.
func ChangeFromRecord(record events.DynamoDBEventRecord) (session.Change, bool, error) {
	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage

	switch record.EventName {
	case "INSERT":
		item, ok, err := decodeImage(newImage)
		if err != nil || !ok {
			return session.Change{}, false, err
		}
		return diff(session.Added, nil, item), true, nil

	case "MODIFY":
		if getNumberAttr(oldImage, "ttl") != 0 {
			return session.Change{}, false, nil
		}
		before, ok, err := decodeImage(oldImage)
		if err != nil || !ok {
			return session.Change{}, false, err
		}
		if getNumberAttr(newImage, "ttl") != 0 {
			return session.Change{ID: before.ID, Type: before.Type, Kind: session.Removed}, true, nil
		}
		after, ok, err := decodeImage(newImage)
		if err != nil || !ok {
			return session.Change{}, false, err
		}
		c := diff(session.Updated, before, after)
		return c, len(c.Properties) > 0 || len(c.Links) > 0, nil
	}
	return session.Change{}, false, nil
}

// decodeImage decodes a record table item. It reports false for images that
// are not records.
func decodeImage(image map[string]events.DynamoDBAttributeValue) (*store.Item, bool, error) {
	if getStringAttr(image, "id") == "" || getStringAttr(image, "type") == "" {
		return nil, false, nil
	}
	item, err := store.UnmarshalItem(ConvertImage(image))
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func diff(kind session.EventKind, before, after *store.Item) session.Change {
	c := session.Change{ID: after.ID, Type: after.Type, Kind: kind}
	var oldProps map[string]store.Value
	var oldLinks map[string][]store.ID
	if before != nil {
		oldProps, oldLinks = before.Properties, before.Links
	}

	fields := slices.Sorted(maps.Keys(after.Properties))
	for field := range oldProps {
		if _, ok := after.Properties[field]; !ok {
			fields = append(fields, field)
		}
	}
	for _, field := range fields {
		old, cur := oldProps[field], after.Properties[field]
		if store.Equal(old, cur) {
			continue
		}
		if c.Properties == nil {
			c.Properties = make(map[string]session.PropertyChange)
		}
		c.Properties[field] = session.PropertyChange{Old: old, New: cur}
	}

	links := make(map[string]bool)
	for field := range after.Links {
		links[field] = true
	}
	for field := range oldLinks {
		links[field] = true
	}
	for field := range links {
		var lc session.LinkChange
		for _, id := range after.Links[field] {
			if !slices.Contains(oldLinks[field], id) {
				lc.Added = append(lc.Added, id)
			}
		}
		for _, id := range oldLinks[field] {
			if !slices.Contains(after.Links[field], id) {
				lc.Removed = append(lc.Removed, id)
			}
		}
		if len(lc.Added) == 0 && len(lc.Removed) == 0 {
			continue
		}
		if c.Links == nil {
			c.Links = make(map[string]session.LinkChange)
		}
		c.Links[field] = lc
	}
	return c
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ConvertImage converts a DynamoDB stream image to SDK attribute values, so
// that it can be decoded like an item read from the table.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttr(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertAttr(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, item := range list {
			if av := convertAttr(item); av != nil {
				out = append(out, av)
			}
		}
		return &types.AttributeValueMemberL{Value: out}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	}
	return nil
}
