package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the subset of *dynamodb.Client the store needs.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is the row layout. exp_ms drives lazy expiry; ttl (epoch
// seconds) is the attribute DynamoDB's own TTL sweeper is configured on.
type dynamoItem struct {
	PK    string `dynamodbav:"pk"`
	Value []byte `dynamodbav:"v,omitempty"`
	Count *int64 `dynamodbav:"n,omitempty"`
	ExpMS int64  `dynamodbav:"exp_ms,omitempty"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoDB is a Store backed by a single DynamoDB table keyed by "pk".
type DynamoDB struct {
	client dynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoDB loads the default AWS config for region and returns a Store.
func NewDynamoDB(ctx context.Context, table, region string) (*DynamoDB, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv: load aws config: %w", err)
	}
	return &DynamoDB{client: dynamodb.NewFromConfig(cfg), table: table, now: time.Now}, nil
}

func (d *DynamoDB) key(k string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"pk": &dynamodbtypes.AttributeValueMemberS{Value: k},
	}
}

func (d *DynamoDB) expiry(ttl time.Duration) (expMS, ttlSec int64) {
	if ttl <= 0 {
		return 0, 0
	}
	at := d.now().Add(ttl)
	return at.UnixMilli(), at.Unix() + 1
}

func (d *DynamoDB) expired(it dynamoItem) bool {
	return it.ExpMS != 0 && d.now().UnixMilli() >= it.ExpMS
}

func (d *DynamoDB) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("kv: unmarshal %s: %w", key, err)
	}
	if d.expired(it) {
		return nil, ErrNotFound
	}
	if it.Count != nil && it.Value == nil {
		return []byte(strconv.FormatInt(*it.Count, 10)), nil
	}
	return it.Value, nil
}

func (d *DynamoDB) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := dynamoItem{PK: key, Value: value}
	it.ExpMS, it.TTL = d.expiry(ttl)
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", key, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Incr uses an UpdateItem ADD guarded by "not expired". DynamoDB's TTL sweeper
// runs late, so an expired row is reset with a conditional put instead.
func (d *DynamoDB) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := d.now().UnixMilli()
		expMS, ttlSec := d.expiry(ttl)

		update := "ADD #n :d"
		names := map[string]string{"#n": "n", "#exp": "exp_ms"}
		values := map[string]dynamodbtypes.AttributeValue{
			":d":   &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
			":now": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		}
		if expMS != 0 {
			update += " SET #exp = if_not_exists(#exp, :exp), #ttl = if_not_exists(#ttl, :ttl)"
			names["#ttl"] = "ttl"
			values[":exp"] = &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expMS, 10)}
			values[":ttl"] = &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ttlSec, 10)}
		}

		out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(d.table),
			Key:                       d.key(key),
			UpdateExpression:          aws.String(update),
			ConditionExpression:       aws.String("attribute_not_exists(#exp) OR #exp > :now"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              dynamodbtypes.ReturnValueUpdatedNew,
		})
		if err == nil {
			var it dynamoItem
			if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil || it.Count == nil {
				return 0, fmt.Errorf("kv: incr %s: missing counter in response", key)
			}
			return *it.Count, nil
		}

		var ccf *dynamodbtypes.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return 0, unavailable("incr", err)
		}

		// Row is expired but not yet swept: replace it if nobody beat us to it.
		fresh := dynamoItem{PK: key, Count: &delta, ExpMS: expMS, TTL: ttlSec}
		item, err := attributevalue.MarshalMap(fresh)
		if err != nil {
			return 0, fmt.Errorf("kv: marshal %s: %w", key, err)
		}
		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(d.table),
			Item:                      item,
			ConditionExpression:       aws.String("#exp <= :now"),
			ExpressionAttributeNames:  map[string]string{"#exp": "exp_ms"},
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{":now": values[":now"]},
		})
		if err == nil {
			return delta, nil
		}
		if !errors.As(err, &ccf) {
			return 0, unavailable("incr reset", err)
		}
	}
	return 0, unavailable("incr", fmt.Errorf("contention on %s", key))
}

func (d *DynamoDB) Expire(ctx context.Context, key string, ttl time.Duration) error {
	expMS, ttlSec := d.expiry(ttl)
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(key),
		UpdateExpression:         aws.String("SET #exp = :exp, #ttl = :ttl"),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#exp": "exp_ms", "#ttl": "ttl"},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":exp": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expMS, 10)},
			":ttl": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ttlSec, 10)},
		},
	})
	var ccf *dynamodbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// Keys scans the whole table; acceptable for the admin/invalidation path only.
func (d *DynamoDB) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globRegexp(pattern)
	if err != nil {
		return nil, err
	}
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		ProjectionExpression:     aws.String("pk, #exp"),
		ExpressionAttributeNames: map[string]string{"#exp": "exp_ms"},
	})
	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("kv: unmarshal scan page: %w", err)
		}
		for _, it := range items {
			if !d.expired(it) && re.MatchString(it.PK) {
				out = append(out, it.PK)
			}
		}
	}
	return out, nil
}

func (d *DynamoDB) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(d.table),
			Key:          d.key(k),
			ReturnValues: dynamodbtypes.ReturnValueAllOld,
		})
		if err != nil {
			return n, unavailable("del", err)
		}
		if len(out.Attributes) > 0 {
			n++
		}
	}
	return n, nil
}

func (d *DynamoDB) Close() error { return nil }
