package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoSession is the item layout. Received chunk indices are a number set
// so chunk acknowledgements are a single ADD.
type dynamoSession struct {
	ID          string `dynamodbav:"id"`
	Filename    string `dynamodbav:"filename"`
	TotalSize   int64  `dynamodbav:"total_size"`
	ChunkSize   int64  `dynamodbav:"chunk_size"`
	TotalChunks int    `dynamodbav:"total_chunks"`
	MimeType    string `dynamodbav:"mime_type"`
	Title       string `dynamodbav:"title"`
	Description string `dynamodbav:"description"`
	Received    []int  `dynamodbav:"received,numberset,omitempty"`
	Finalized   bool   `dynamodbav:"finalized"`
	CreatedAt   int64  `dynamodbav:"created_at"`
	UpdatedAt   int64  `dynamodbav:"updated_at"`
}

func toDynamo(s Session) dynamoSession {
	return dynamoSession{
		ID:          s.ID,
		Filename:    s.Filename,
		TotalSize:   s.TotalSize,
		ChunkSize:   s.ChunkSize,
		TotalChunks: s.TotalChunks,
		MimeType:    s.MimeType,
		Title:       s.Title,
		Description: s.Description,
		Received:    s.Received,
		Finalized:   s.Finalized,
		CreatedAt:   s.CreatedAt.UnixNano(),
		UpdatedAt:   s.UpdatedAt.UnixNano(),
	}
}

func (d dynamoSession) session() Session {
	received := append([]int{}, d.Received...)
	sort.Ints(received)
	return Session{
		ID:          d.ID,
		Filename:    d.Filename,
		TotalSize:   d.TotalSize,
		ChunkSize:   d.ChunkSize,
		TotalChunks: d.TotalChunks,
		MimeType:    d.MimeType,
		Title:       d.Title,
		Description: d.Description,
		Received:    received,
		Finalized:   d.Finalized,
		CreatedAt:   time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, d.UpdatedAt).UTC(),
	}
}

// DynamoStore keeps sessions in a DynamoDB table keyed by "id".
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// NewDynamoStore builds a store from an aws.Config.
func NewDynamoStore(cfg aws.Config, table string) (*DynamoStore, error) {
	return newDynamoStore(dynamodb.NewFromConfig(cfg), table)
}

func newDynamoStore(client dynamoAPI, table string) (*DynamoStore, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("dynamodb table is required")
	}
	return &DynamoStore{client: client, table: table}, nil
}

func (d *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func nanos(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixNano(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *DynamoStore) Create(ctx context.Context, s Session, staleBefore time.Time) error {
	item, err := attributevalue.MarshalMap(toDynamo(s))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.table),
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(id) OR updated_at < :stale"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":stale": nanos(staleBefore)},
	})
	if isConditionFailed(err) {
		return ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (d *DynamoStore) Get(ctx context.Context, id string) (Session, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if out.Item == nil {
		return Session{}, ErrUnknownSession
	}
	var item dynamoSession
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return item.session(), nil
}

func (d *DynamoStore) MarkReceived(ctx context.Context, id string, index int, at time.Time) (Session, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		UpdateExpression:    aws.String("ADD received :idx SET updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":idx": &types.AttributeValueMemberNS{Value: []string{strconv.Itoa(index)}},
			":now": nanos(at),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("mark chunk received: %w", err)
	}
	var item dynamoSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return item.session(), nil
}

func (d *DynamoStore) SetFinalized(ctx context.Context, id string, finalized bool, at time.Time) error {
	condition := "attribute_exists(id)"
	values := map[string]types.AttributeValue{
		":flag": &types.AttributeValueMemberBOOL{Value: finalized},
		":now":  nanos(at),
	}
	if finalized {
		condition += " AND finalized = :open"
		values[":open"] = &types.AttributeValueMemberBOOL{Value: false}
	}
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       d.key(id),
		UpdateExpression:          aws.String("SET finalized = :flag, updated_at = :now"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		if _, getErr := d.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyFinalized
	}
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

func (d *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(id),
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (d *DynamoStore) List(ctx context.Context) ([]Session, error) {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{TableName: aws.String(d.table)})
	var out []Session
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		var items []dynamoSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal sessions: %w", err)
		}
		for _, item := range items {
			out = append(out, item.session())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
