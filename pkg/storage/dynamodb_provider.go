package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/tcmartin/runstream/pkg/models"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client      dynamodbiface.DynamoDBAPI
	tablePrefix string

	runsTable      string
	logsTable      string
	schedulesTable string
	workflowsTable string
	countersTable  string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	// Set credentials if provided
	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	// Set endpoint for local DynamoDB if provided
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:         client,
		tablePrefix:    tablePrefix,
		runsTable:      tablePrefix + "runs",
		logsTable:      tablePrefix + "run_logs",
		schedulesTable: tablePrefix + "schedules",
		workflowsTable: tablePrefix + "workflows",
		countersTable:  tablePrefix + "counters",
	}
}

// tableSpec describes the key schema of one table
type tableSpec struct {
	name      string
	hashKey   string
	rangeKey  string
	rangeType string
}

// Initialize creates the DynamoDB tables if they don't exist
func (p *DynamoDBProvider) Initialize() error {
	ctx := context.Background()
	tables := []tableSpec{
		{name: p.runsTable, hashKey: "ID"},
		{name: p.logsTable, hashKey: "RunID", rangeKey: "Seq", rangeType: dynamodb.ScalarAttributeTypeN},
		{name: p.schedulesTable, hashKey: "ID"},
		{name: p.workflowsTable, hashKey: "ID"},
		{name: p.countersTable, hashKey: "Name"},
	}

	for _, t := range tables {
		if err := p.ensureTable(ctx, t); err != nil {
			return fmt.Errorf("failed to initialize table %s: %w", t.name, err)
		}
	}
	return nil
}

func (p *DynamoDBProvider) ensureTable(ctx context.Context, t tableSpec) error {
	_, err := p.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(t.name),
	})
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	attrs := []*dynamodb.AttributeDefinition{
		{AttributeName: aws.String(t.hashKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
	}
	keys := []*dynamodb.KeySchemaElement{
		{AttributeName: aws.String(t.hashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
	}
	if t.rangeKey != "" {
		attrs = append(attrs, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(t.rangeKey), AttributeType: aws.String(t.rangeType),
		})
		keys = append(keys, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(t.rangeKey), KeyType: aws.String(dynamodb.KeyTypeRange),
		})
	}

	_, err = p.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(t.name),
		AttributeDefinitions: attrs,
		KeySchema:            keys,
		BillingMode:          aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	err = p.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(t.name),
	})
	if err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// Nothing to clean up for DynamoDB
	return nil
}

// GetRunStore returns a store for runs
func (p *DynamoDBProvider) GetRunStore() RunStore { return p }

// GetLogStore returns the event store
func (p *DynamoDBProvider) GetLogStore() LogStore { return p }

// GetScheduleStore returns a store for schedule entries
func (p *DynamoDBProvider) GetScheduleStore() ScheduleStore { return p }

// GetWorkflowStore returns a store for workflows
func (p *DynamoDBProvider) GetWorkflowStore() WorkflowStore { return p }

type runItem struct {
	ID          string `dynamodbav:"ID"`
	WorkflowID  string `dynamodbav:"WorkflowID"`
	WorkspaceID string `dynamodbav:"WorkspaceID"`
	Status      string `dynamodbav:"Status"`
	Trigger     string `dynamodbav:"Trigger"`
	Input       string `dynamodbav:"Input,omitempty"`
	Output      string `dynamodbav:"Output,omitempty"`
	Error       string `dynamodbav:"Error,omitempty"`
	Attempt     int    `dynamodbav:"Attempt"`
	RetryOf     string `dynamodbav:"RetryOf,omitempty"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	StartedAt   int64  `dynamodbav:"StartedAt,omitempty"`
	FinishedAt  int64  `dynamodbav:"FinishedAt,omitempty"`
}

type logItem struct {
	RunID     string `dynamodbav:"RunID"`
	Seq       int64  `dynamodbav:"Seq"`
	NodeID    string `dynamodbav:"NodeID"`
	EventID   string `dynamodbav:"EventID,omitempty"`
	Kind      string `dynamodbav:"Kind"`
	Level     string `dynamodbav:"Level"`
	Message   string `dynamodbav:"Message,omitempty"`
	Timestamp int64  `dynamodbav:"Timestamp"`
}

type scheduleItem struct {
	ID          string `dynamodbav:"ID"`
	WorkspaceID string `dynamodbav:"WorkspaceID"`
	WorkflowID  string `dynamodbav:"WorkflowID"`
	Schedule    string `dynamodbav:"Schedule"`
	Input       string `dynamodbav:"Input,omitempty"`
	Active      bool   `dynamodbav:"Active"`
	LastRun     int64  `dynamodbav:"LastRun,omitempty"`
}

type workflowItem struct {
	ID          string `dynamodbav:"ID"`
	WorkspaceID string `dynamodbav:"WorkspaceID"`
	Name        string `dynamodbav:"Name,omitempty"`
	Graph       string `dynamodbav:"Graph"`
}

func (p *DynamoDBProvider) marshalRun(run *models.Run) (map[string]*dynamodb.AttributeValue, error) {
	input, output, err := encodeRunPayloads(run)
	if err != nil {
		return nil, err
	}
	item := runItem{
		ID:          run.ID,
		WorkflowID:  run.WorkflowID,
		WorkspaceID: run.WorkspaceID,
		Status:      string(run.Status),
		Trigger:     string(run.Trigger),
		Input:       input,
		Output:      output,
		Error:       run.Error,
		Attempt:     run.Attempt,
		RetryOf:     run.RetryOf,
		CreatedAt:   run.CreatedAt.UnixNano(),
		StartedAt:   unixNanos(run.StartedAt),
		FinishedAt:  unixNanos(run.FinishedAt),
	}
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}
	return av, nil
}

// CreateRun persists a new run
func (p *DynamoDBProvider) CreateRun(ctx context.Context, run *models.Run) error {
	av, err := p.marshalRun(run)
	if err != nil {
		return err
	}

	_, err = p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(p.runsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(ID)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// UpdateRun overwrites an existing run
func (p *DynamoDBProvider) UpdateRun(ctx context.Context, run *models.Run) error {
	av, err := p.marshalRun(run)
	if err != nil {
		return err
	}

	_, err = p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(p.runsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(ID)"),
	})
	if isConditionFailed(err) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run
func (p *DynamoDBProvider) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	result, err := p.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.runsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(runID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if result.Item == nil {
		return nil, ErrRunNotFound
	}

	var item runItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	run := &models.Run{
		ID:          item.ID,
		WorkflowID:  item.WorkflowID,
		WorkspaceID: item.WorkspaceID,
		Status:      models.RunStatus(item.Status),
		Trigger:     models.Trigger(item.Trigger),
		Error:       item.Error,
		Attempt:     item.Attempt,
		RetryOf:     item.RetryOf,
		CreatedAt:   time.Unix(0, item.CreatedAt).UTC(),
		StartedAt:   fromUnixNanos(item.StartedAt),
		FinishedAt:  fromUnixNanos(item.FinishedAt),
	}
	if err := decodeJSONString(item.Input, &run.Input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	if err := decodeJSONString(item.Output, &run.Output); err != nil {
		return nil, fmt.Errorf("failed to decode run output: %w", err)
	}
	return run, nil
}

// nextSeq atomically increments the per-run log counter
func (p *DynamoDBProvider) nextSeq(ctx context.Context, runID string) (int64, error) {
	result, err := p.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.countersTable),
		Key: map[string]*dynamodb.AttributeValue{
			"Name": {S: aws.String("run_logs#" + runID)},
		},
		UpdateExpression:          aws.String("ADD #v :one"),
		ExpressionAttributeNames:  map[string]*string{"#v": aws.String("Value")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{":one": {N: aws.String("1")}},
		ReturnValues:              aws.String(dynamodb.ReturnValueUpdatedNew),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment log sequence: %w", err)
	}

	v, ok := result.Attributes["Value"]
	if !ok || v.N == nil {
		return 0, fmt.Errorf("log sequence counter returned no value")
	}
	return strconv.ParseInt(aws.StringValue(v.N), 10, 64)
}

// AppendLog persists an event and assigns its id
func (p *DynamoDBProvider) AppendLog(ctx context.Context, entry *models.RunLog) error {
	seq, err := p.nextSeq(ctx, entry.RunID)
	if err != nil {
		return err
	}

	message, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal log message: %w", err)
	}

	av, err := dynamodbattribute.MarshalMap(logItem{
		RunID:     entry.RunID,
		Seq:       seq,
		NodeID:    entry.NodeID,
		EventID:   entry.EventID,
		Kind:      entry.Kind,
		Level:     entry.Level,
		Message:   string(message),
		Timestamp: entry.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	_, err = p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.logsTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save log entry: %w", err)
	}

	entry.ID = seq
	return nil
}

// ListLogs returns all events for a run
func (p *DynamoDBProvider) ListLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	return p.ListLogsSince(ctx, runID, 0)
}

// ListLogsSince returns events with id greater than afterID
func (p *DynamoDBProvider) ListLogsSince(ctx context.Context, runID string, afterID int64) ([]models.RunLog, error) {
	keyCond := expression.Key("RunID").Equal(expression.Value(runID)).
		And(expression.Key("Seq").GreaterThan(expression.Value(afterID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	logs := make([]models.RunLog, 0)
	var startKey map[string]*dynamodb.AttributeValue
	for {
		result, err := p.client.QueryWithContext(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(p.logsTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query logs: %w", err)
		}

		for _, raw := range result.Items {
			var item logItem
			if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
			}
			l := models.RunLog{
				ID:        item.Seq,
				RunID:     item.RunID,
				NodeID:    item.NodeID,
				EventID:   item.EventID,
				Kind:      item.Kind,
				Level:     item.Level,
				Timestamp: time.Unix(0, item.Timestamp).UTC(),
			}
			if err := decodeJSONString(item.Message, &l.Message); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log message: %w", err)
			}
			logs = append(logs, l)
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return logs, nil
}

// SaveSchedule creates or replaces a schedule entry
func (p *DynamoDBProvider) SaveSchedule(ctx context.Context, entry *models.ScheduleEntry) error {
	input, err := json.Marshal(entry.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule input: %w", err)
	}

	av, err := dynamodbattribute.MarshalMap(scheduleItem{
		ID:          entry.ID,
		WorkspaceID: entry.WorkspaceID,
		WorkflowID:  entry.WorkflowID,
		Schedule:    entry.Schedule,
		Input:       string(input),
		Active:      entry.Active,
		LastRun:     unixNanos(entry.LastRun),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	_, err = p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.schedulesTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// ListActiveSchedules returns every active entry
func (p *DynamoDBProvider) ListActiveSchedules(ctx context.Context) ([]models.ScheduleEntry, error) {
	filter := expression.Name("Active").Equal(expression.Value(true))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	entries := make([]models.ScheduleEntry, 0)
	var startKey map[string]*dynamodb.AttributeValue
	for {
		result, err := p.client.ScanWithContext(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(p.schedulesTable),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedules: %w", err)
		}

		for _, raw := range result.Items {
			var item scheduleItem
			if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
			}
			e := models.ScheduleEntry{
				ID:          item.ID,
				WorkspaceID: item.WorkspaceID,
				WorkflowID:  item.WorkflowID,
				Schedule:    item.Schedule,
				Active:      item.Active,
				LastRun:     fromUnixNanos(item.LastRun),
			}
			if err := decodeJSONString(item.Input, &e.Input); err != nil {
				return nil, fmt.Errorf("failed to decode schedule input: %w", err)
			}
			entries = append(entries, e)
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return entries, nil
}

// FireSchedule advances last_run and creates the run in one transaction
func (p *DynamoDBProvider) FireSchedule(ctx context.Context, entryID string, firedAt time.Time, run *models.Run) error {
	av, err := p.marshalRun(run)
	if err != nil {
		return err
	}

	_, err = p.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []*dynamodb.TransactWriteItem{
			{
				Update: &dynamodb.Update{
					TableName: aws.String(p.schedulesTable),
					Key: map[string]*dynamodb.AttributeValue{
						"ID": {S: aws.String(entryID)},
					},
					UpdateExpression:    aws.String("SET LastRun = :fired"),
					ConditionExpression: aws.String("attribute_exists(ID)"),
					ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
						":fired": {N: aws.String(strconv.FormatInt(firedAt.UnixNano(), 10))},
					},
				},
			},
			{
				Put: &dynamodb.Put{
					TableName:           aws.String(p.runsTable),
					Item:                av,
					ConditionExpression: aws.String("attribute_not_exists(ID)"),
				},
			},
		},
	})
	var canceled *dynamodb.TransactionCanceledException
	if errors.As(err, &canceled) {
		reasons := canceled.CancellationReasons
		if len(reasons) > 0 && aws.StringValue(reasons[0].Code) == "ConditionalCheckFailed" {
			return ErrScheduleNotFound
		}
		if len(reasons) > 1 && aws.StringValue(reasons[1].Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to fire schedule: %w", err)
	}
	return nil
}

// SaveWorkflow creates or replaces a workflow
func (p *DynamoDBProvider) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow graph: %w", err)
	}

	av, err := dynamodbattribute.MarshalMap(workflowItem{
		ID:          wf.ID,
		WorkspaceID: wf.WorkspaceID,
		Name:        wf.Name,
		Graph:       string(graph),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	_, err = p.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.workflowsTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow
func (p *DynamoDBProvider) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	result, err := p.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.workflowsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(workflowID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if result.Item == nil {
		return nil, ErrWorkflowNotFound
	}

	var item workflowItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}

	wf := &models.Workflow{ID: item.ID, WorkspaceID: item.WorkspaceID, Name: item.Name}
	if err := json.Unmarshal([]byte(item.Graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("failed to decode workflow graph: %w", err)
	}
	return wf, nil
}

func isConditionFailed(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func decodeJSONString(s string, dst *map[string]interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func unixNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
