package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/espalier/internal/shard"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore is a Store backed by DynamoDB.
//
// Each record is one item in the record table. Every item read through a
// snapshot is cached with the version observed, and Commit is a single
// TransactWriteItems whose conditions re-check those versions. Deletes set
// the item TTL. The relationship table holds the per-type membership rows and
// the reverse link index under sharded partition keys.
//
// Isolation is per item: records that were read but not written are not
// re-checked at commit.
type DynamoStore struct {
	client DynamoAPI
	config DynamoConfig
	now    func() time.Time
}

// NewDynamo creates a new DynamoStore.
func NewDynamo(client DynamoAPI, config DynamoConfig) *DynamoStore {
	config.validate()
	return &DynamoStore{
		client: client,
		config: config,
		now:    time.Now,
	}
}

// NewDynamoFromProfile creates a DynamoStore using the shared AWS config
// profile. An empty profile uses the default credential chain.
func NewDynamoFromProfile(ctx context.Context, profile string, config DynamoConfig) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamo(dynamodb.NewFromConfig(cfg), config), nil
}

// Config returns the validated configuration.
func (s *DynamoStore) Config() DynamoConfig { return s.config }

// NewID allocates a random record id.
func (s *DynamoStore) NewID(string) ID {
	return ID(uuid.NewString())
}

// BeginSnapshot opens a caching read view.
func (s *DynamoStore) BeginSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &dynamoSnapshot{
		store:  s,
		items:  make(map[ID]*Item),
		unique: make(map[string][]ID),
	}, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *DynamoStore) Close() error { return nil }

// txRef identifies the record behind a transaction item for error mapping.
type txRef struct {
	id     ID
	reason string
}

type txBuilder struct {
	items []types.TransactWriteItem
	refs  []txRef
}

func (b *txBuilder) add(item types.TransactWriteItem, id ID, reason string) {
	b.items = append(b.items, item)
	b.refs = append(b.refs, txRef{id: id, reason: reason})
}

// Commit applies changes in one DynamoDB transaction.
func (s *DynamoStore) Commit(ctx context.Context, base Snapshot, changes *Changes) error {
	snap, ok := base.(*dynamoSnapshot)
	if !ok || snap.store != s {
		return ErrForeignSnapshot
	}
	if changes.Empty() {
		return nil
	}

	tx, err := s.buildTransaction(ctx, snap, changes)
	if err != nil {
		return err
	}
	if len(tx.items) > s.config.MaxTransactItems {
		return fmt.Errorf("%w: %d items, limit %d", ErrTransactionTooLarge, len(tx.items), s.config.MaxTransactItems)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: tx.items,
	})
	return mapCommitError(err, tx.refs)
}

func (s *DynamoStore) buildTransaction(ctx context.Context, snap *dynamoSnapshot, changes *Changes) (*txBuilder, error) {
	now := s.now()
	nowISO := now.UTC().Format(time.RFC3339)
	tx := &txBuilder{}

	writing := make(map[ID]bool, len(changes.Writes))
	for _, w := range changes.Writes {
		writing[w.ID] = true
	}

	for _, w := range changes.Writes {
		switch w.Op {
		case OpCreate:
			if err := s.addCreate(tx, w, nowISO); err != nil {
				return nil, err
			}
		case OpUpdate:
			cur, err := snap.load(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, NewConflictError(w.ID, "record no longer exists")
			}
			if err := s.addUpdate(tx, w, cur, nowISO); err != nil {
				return nil, err
			}
		case OpDelete:
			cur, err := snap.load(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, NewConflictError(w.ID, "record no longer exists")
			}
			s.addDelete(tx, w, cur, now.Unix())
		}
	}

	s.addUniqueChanges(tx, changes)

	for _, id := range changes.Requires {
		if writing[id] {
			continue
		}
		// Bumping the version of a linked record fails a concurrent delete
		// of it, which then replays and sees the new link.
		tx.add(types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.config.RecordTable),
				Key:                 RecordKey(id),
				UpdateExpression:    aws.String("SET #version = #version + :one"),
				ConditionExpression: aws.String(RecordExistsCondition()),
				ExpressionAttributeNames: mergeExprNames(TTLFilterNames(), map[string]string{
					"#version": "version",
				}),
				ExpressionAttributeValues: mergeExprValues(TTLFilterValues(now.Unix()), map[string]types.AttributeValue{
					":one": &types.AttributeValueMemberN{Value: "1"},
				}),
			},
		}, id, "linked record no longer exists")
	}
	return tx, nil
}

func (s *DynamoStore) addCreate(tx *txBuilder, w Write, nowISO string) error {
	props, err := marshalProperties(w.Properties)
	if err != nil {
		return fmt.Errorf("create %s: %w", w.ID, err)
	}
	links, err := marshalLinks(w.Links)
	if err != nil {
		return fmt.Errorf("create %s: %w", w.ID, err)
	}

	tx.add(types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.RecordTable),
			Item: map[string]types.AttributeValue{
				"id":         &types.AttributeValueMemberS{Value: string(w.ID)},
				"type":       &types.AttributeValueMemberS{Value: w.Type},
				"version":    &types.AttributeValueMemberN{Value: "1"},
				"props":      &types.AttributeValueMemberM{Value: props},
				"links":      &types.AttributeValueMemberM{Value: links},
				"created_at": &types.AttributeValueMemberS{Value: nowISO},
				"updated_at": &types.AttributeValueMemberS{Value: nowISO},
			},
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	}, w.ID, "record already exists")

	s.addTypeRow(tx, w.ID, w.Type)
	for _, field := range sortedKeys(w.Links) {
		for _, target := range w.Links[field] {
			s.addLinkRow(tx, w.ID, w.Type, field, target)
		}
	}
	return nil
}

func (s *DynamoStore) addUpdate(tx *txBuilder, w Write, cur *Item, nowISO string) error {
	var setClauses, removeClauses []string
	exprNames := map[string]string{
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        "ttl",
	}
	// DynamoDB rejects unused expression attribute names.
	if len(w.Properties) > 0 {
		exprNames["#props"] = "props"
	}
	if len(w.Links) > 0 {
		exprNames["#links"] = "links"
	}
	exprValues := map[string]types.AttributeValue{
		":updated_at":       &types.AttributeValueMemberS{Value: nowISO},
		":one":              &types.AttributeValueMemberN{Value: "1"},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(cur.Version, 10)},
	}

	for i, field := range sortedKeys(w.Properties) {
		nameKey := fmt.Sprintf("#p%d", i)
		exprNames[nameKey] = field
		v := w.Properties[field]
		if v == nil {
			removeClauses = append(removeClauses, "#props."+nameKey)
			continue
		}
		av, err := marshalValue(v)
		if err != nil {
			return fmt.Errorf("update %s.%s: %w", w.ID, field, err)
		}
		valueKey := fmt.Sprintf(":p%d", i)
		exprValues[valueKey] = av
		setClauses = append(setClauses, fmt.Sprintf("#props.%s = %s", nameKey, valueKey))
	}

	for i, field := range sortedKeys(w.Links) {
		nameKey := fmt.Sprintf("#l%d", i)
		exprNames[nameKey] = field
		targets := w.Links[field]
		if len(targets) == 0 {
			removeClauses = append(removeClauses, "#links."+nameKey)
		} else {
			av, err := attributevalue.Marshal(targets)
			if err != nil {
				return fmt.Errorf("update %s.%s: %w", w.ID, field, err)
			}
			valueKey := fmt.Sprintf(":l%d", i)
			exprValues[valueKey] = av
			setClauses = append(setClauses, fmt.Sprintf("#links.%s = %s", nameKey, valueKey))
		}

		old := cur.Links[field]
		for _, target := range targets {
			if !slices.Contains(old, target) {
				s.addLinkRow(tx, w.ID, cur.Type, field, target)
			}
		}
		for _, target := range old {
			if !slices.Contains(targets, target) {
				s.deleteLinkRow(tx, w.ID, cur.Type, field, target)
			}
		}
	}

	setClauses = append(setClauses, "#updated_at = :updated_at", "#version = #version + :one")
	updateExpr := "SET " + joinStrings(setClauses, ", ")
	if len(removeClauses) > 0 {
		updateExpr += " REMOVE " + joinStrings(removeClauses, ", ")
	}

	tx.add(types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(s.config.RecordTable),
			Key:                       RecordKey(w.ID),
			UpdateExpression:          aws.String(updateExpr),
			ConditionExpression:       aws.String("#version = :expected_version AND attribute_not_exists(#ttl)"),
			ExpressionAttributeNames:  exprNames,
			ExpressionAttributeValues: exprValues,
		},
	}, w.ID, "record was modified concurrently")
	return nil
}

// addDelete marks the record for deletion by setting its TTL to now. The
// version increment fails concurrent updates.
func (s *DynamoStore) addDelete(tx *txBuilder, w Write, cur *Item, now int64) {
	tx.add(types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.config.RecordTable),
			Key:                 RecordKey(w.ID),
			UpdateExpression:    aws.String("SET #ttl = :now, #version = #version + :one"),
			ConditionExpression: aws.String("#version = :expected_version AND attribute_not_exists(#ttl)"),
			ExpressionAttributeNames: mergeExprNames(TTLFilterNames(), map[string]string{
				"#version": "version",
			}),
			ExpressionAttributeValues: mergeExprValues(TTLFilterValues(now), map[string]types.AttributeValue{
				":one":              &types.AttributeValueMemberN{Value: "1"},
				":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(cur.Version, 10)},
			}),
		},
	}, w.ID, "record was modified concurrently")

	tx.add(types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.RelationshipTable),
			Key:       RelationshipKey(shard.TypePK(cur.Type, string(w.ID), s.config.NumShards), w.ID),
		},
	}, w.ID, "type index row")
	for _, field := range sortedKeys(cur.Links) {
		for _, target := range cur.Links[field] {
			s.deleteLinkRow(tx, w.ID, cur.Type, field, target)
		}
	}
}

func (s *DynamoStore) addUniqueChanges(tx *txBuilder, changes *Changes) {
	releasedBy := make(map[string]ID, len(changes.Releases))
	for _, c := range changes.Releases {
		releasedBy[shard.UniqueConstraintPK(c.Scope, c.Key)] = c.ID
	}
	claimed := make(map[string]bool, len(changes.Claims))

	for _, c := range changes.Claims {
		pk := shard.UniqueConstraintPK(c.Scope, c.Key)
		claimed[pk] = true

		cond := "attribute_not_exists(pk) OR #record_id = :self"
		values := map[string]types.AttributeValue{
			":self": &types.AttributeValueMemberS{Value: string(c.ID)},
		}
		if prev, ok := releasedBy[pk]; ok {
			cond += " OR #record_id = :prev"
			values[":prev"] = &types.AttributeValueMemberS{Value: string(prev)}
		}
		item := UniqueKey(pk)
		item["scope"] = &types.AttributeValueMemberS{Value: c.Scope}
		item["key"] = &types.AttributeValueMemberS{Value: c.Key}
		item["record_id"] = &types.AttributeValueMemberS{Value: string(c.ID)}

		tx.add(types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(s.config.UniqueTable),
				Item:                      item,
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  map[string]string{"#record_id": "record_id"},
				ExpressionAttributeValues: values,
			},
		}, c.ID, "unique key "+c.Scope+" is already taken")
	}

	for _, c := range changes.Releases {
		pk := shard.UniqueConstraintPK(c.Scope, c.Key)
		if claimed[pk] {
			continue
		}
		tx.add(types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                aws.String(s.config.UniqueTable),
				Key:                      UniqueKey(pk),
				ConditionExpression:      aws.String("attribute_not_exists(pk) OR #record_id = :self"),
				ExpressionAttributeNames: map[string]string{"#record_id": "record_id"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":self": &types.AttributeValueMemberS{Value: string(c.ID)},
				},
			},
		}, c.ID, "unique key "+c.Scope+" was reassigned concurrently")
	}
}

func (s *DynamoStore) addTypeRow(tx *txBuilder, id ID, typ string) {
	tx.add(types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.RelationshipTable),
			Item: map[string]types.AttributeValue{
				"pk":          &types.AttributeValueMemberS{Value: shard.TypePK(typ, string(id), s.config.NumShards)},
				"ref":         &types.AttributeValueMemberS{Value: string(id)},
				"record_type": &types.AttributeValueMemberS{Value: typ},
			},
		},
	}, id, "type index row")
}

func (s *DynamoStore) addLinkRow(tx *txBuilder, source ID, sourceType, field string, target ID) {
	qualified := sourceType + "." + field
	tx.add(types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.RelationshipTable),
			Item: map[string]types.AttributeValue{
				"pk":          &types.AttributeValueMemberS{Value: shard.LinkPK(string(target), qualified, string(source), s.config.NumShards)},
				"ref":         &types.AttributeValueMemberS{Value: string(source)},
				"record_type": &types.AttributeValueMemberS{Value: sourceType},
				"field":       &types.AttributeValueMemberS{Value: field},
				"target":      &types.AttributeValueMemberS{Value: string(target)},
			},
		},
	}, source, "link index row")
}

func (s *DynamoStore) deleteLinkRow(tx *txBuilder, source ID, sourceType, field string, target ID) {
	pk := shard.LinkPK(string(target), sourceType+"."+field, string(source), s.config.NumShards)
	tx.add(types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.RelationshipTable),
			Key:       RelationshipKey(pk, source),
		},
	}, source, "link index row")
}

// mapCommitError maps transaction cancellation reasons to conflicts on the
// record behind the failed item.
func mapCommitError(err error, refs []txRef) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				if i < len(refs) {
					return NewConflictError(refs[i].id, refs[i].reason)
				}
				return NewConflictError("", "condition check failed")
			case "TransactionConflict":
				return NewConflictError("", "concurrent transaction in progress")
			}
		}
	}
	return err
}

// queryRefs returns the refs of every row in all shards of base.
func (s *DynamoStore) queryRefs(ctx context.Context, base string) ([]ID, error) {
	pks := shard.All(base, s.config.NumShards)
	if len(pks) == 1 {
		return s.queryShard(ctx, pks[0])
	}

	results := make([][]ID, len(pks))
	g, gctx := errgroup.WithContext(ctx)
	for i, pk := range pks {
		g.Go(func() error {
			refs, err := s.queryShard(gctx, pk)
			if err != nil {
				return fmt.Errorf("shard %s: %w", pk, err)
			}
			results[i] = refs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

func (s *DynamoStore) queryShard(ctx context.Context, pk string) ([]ID, error) {
	var refs []ID
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ConsistentRead:         aws.Bool(true),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range page.Items {
			if v, ok := row["ref"].(*types.AttributeValueMemberS); ok {
				refs = append(refs, ID(v.Value))
			}
		}
	}
	return refs, nil
}

// dynamoSnapshot caches every item it reads. Repeated reads of one record
// observe the same version; records never read before are fetched from the
// latest committed state.
type dynamoSnapshot struct {
	store *DynamoStore

	mu       sync.Mutex
	items    map[ID]*Item
	unique   map[string][]ID
	released bool
}

func (d *dynamoSnapshot) check(ctx context.Context) error {
	d.mu.Lock()
	released := d.released
	d.mu.Unlock()
	if released {
		return ErrSnapshotReleased
	}
	return ctx.Err()
}

// load returns the cached item, fetching it on first access. A nil item
// means the record is missing or soft deleted.
func (d *dynamoSnapshot) load(ctx context.Context, id ID) (*Item, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	item, ok := d.items[id]
	d.mu.Unlock()
	if ok {
		return item, nil
	}

	result, err := d.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.store.config.RecordTable),
		Key:            RecordKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if result.Item != nil && !isDeletedAt(result.Item, d.store.now().Unix()) {
		item, err = UnmarshalItem(result.Item)
		if err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrSnapshotReleased
	}
	if cached, ok := d.items[id]; ok {
		return cached, nil
	}
	d.items[id] = item
	return item, nil
}

func (d *dynamoSnapshot) TypeOf(ctx context.Context, id ID) (string, bool, error) {
	item, err := d.load(ctx, id)
	if err != nil || item == nil {
		return "", false, err
	}
	return item.Type, true, nil
}

func (d *dynamoSnapshot) ReadProperty(ctx context.Context, id ID, field string) (Value, bool, error) {
	item, err := d.load(ctx, id)
	if err != nil || item == nil {
		return nil, false, err
	}
	v, ok := item.Properties[field]
	return v, ok, nil
}

func (d *dynamoSnapshot) ReadLinks(ctx context.Context, id ID, field string) ([]ID, error) {
	item, err := d.load(ctx, id)
	if err != nil || item == nil {
		return nil, err
	}
	return slices.Clone(item.Links[field]), nil
}

func (d *dynamoSnapshot) IterateByType(ctx context.Context, typ string) ([]ID, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	ids, err := d.store.queryRefs(ctx, shard.TypeBase(typ))
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (d *dynamoSnapshot) IterateByIndex(ctx context.Context, scope, key string) ([]ID, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	pk := shard.UniqueConstraintPK(scope, key)
	d.mu.Lock()
	owners, ok := d.unique[pk]
	d.mu.Unlock()
	if ok {
		return owners, nil
	}

	result, err := d.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.store.config.UniqueTable),
		Key:            UniqueKey(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get unique key %s: %w", scope, err)
	}
	if result.Item != nil {
		if v, ok := result.Item["record_id"].(*types.AttributeValueMemberS); ok {
			owners = []ID{ID(v.Value)}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrSnapshotReleased
	}
	d.unique[pk] = owners
	return owners, nil
}

func (d *dynamoSnapshot) Incoming(ctx context.Context, target ID, sourceType, field string) ([]ID, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	ids, err := d.store.queryRefs(ctx, shard.LinkBase(string(target), sourceType+"."+field))
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (d *dynamoSnapshot) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.items = nil
	d.unique = nil
}

// joinStrings joins strings with a separator.
func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for _, s := range strs[1:] {
		result += sep + s
	}
	return result
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
