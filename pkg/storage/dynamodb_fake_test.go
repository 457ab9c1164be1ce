package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

type attrMap = map[string]*dynamodb.AttributeValue

// fakeDynamoDB implements the subset of dynamodbiface.DynamoDBAPI the provider uses.
// It understands the simple comparison, attribute_exists, SET and ADD expressions the provider emits.
type fakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.Mutex
	tables map[string]*fakeTable
}

type fakeTable struct {
	hashKey  string
	rangeKey string
	items    map[string]attrMap
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{tables: make(map[string]*fakeTable)}
}

func (f *fakeDynamoDB) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[aws.StringValue(name)]
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}
	return t, nil
}

func (t *fakeTable) key(item attrMap) string {
	k := attrString(item[t.hashKey])
	if t.rangeKey != "" {
		k += "#" + attrString(item[t.rangeKey])
	}
	return k
}

func (f *fakeDynamoDB) DescribeTableWithContext(_ aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamoDB) CreateTableWithContext(_ aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTable{items: make(map[string]attrMap)}
	for _, k := range in.KeySchema {
		if aws.StringValue(k.KeyType) == dynamodb.KeyTypeHash {
			t.hashKey = aws.StringValue(k.AttributeName)
		} else {
			t.rangeKey = aws.StringValue(k.AttributeName)
		}
	}
	f.tables[aws.StringValue(in.TableName)] = t
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamoDB) WaitUntilTableExistsWithContext(aws.Context, *dynamodb.DescribeTableInput, ...request.WaiterOption) error {
	return nil
}

func (f *fakeDynamoDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if !evalCondition(aws.StringValue(in.ConditionExpression), t.items[t.key(in.Item)], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	t.items[t.key(in.Item)] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[t.key(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamoDB) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k := t.key(in.Key)
	if !evalCondition(aws.StringValue(in.ConditionExpression), t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	updated := applyUpdate(t.items[k], in.Key, aws.StringValue(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	t.items[k] = updated
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (f *fakeDynamoDB) QueryWithContext(_ aws.Context, in *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	var items []attrMap
	for _, item := range t.items {
		if evalCondition(aws.StringValue(in.KeyConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
			items = append(items, copyItem(item))
		}
	}
	if t.rangeKey != "" {
		sort.Slice(items, func(i, j int) bool {
			return compareAttr(items[i][t.rangeKey], items[j][t.rangeKey]) < 0
		})
	}
	return &dynamodb.QueryOutput{Items: items, Count: aws.Int64(int64(len(items)))}, nil
}

func (f *fakeDynamoDB) ScanWithContext(_ aws.Context, in *dynamodb.ScanInput, _ ...request.Option) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	var items []attrMap
	for _, item := range t.items {
		if evalCondition(aws.StringValue(in.FilterExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
			items = append(items, copyItem(item))
		}
	}
	return &dynamodb.ScanOutput{Items: items, Count: aws.Int64(int64(len(items)))}, nil
}

func (f *fakeDynamoDB) TransactWriteItemsWithContext(_ aws.Context, in *dynamodb.TransactWriteItemsInput, _ ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]*dynamodb.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		code := "None"
		switch {
		case ti.Put != nil:
			t, err := f.table(ti.Put.TableName)
			if err != nil {
				return nil, err
			}
			if !evalCondition(aws.StringValue(ti.Put.ConditionExpression), t.items[t.key(ti.Put.Item)], ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues) {
				code = "ConditionalCheckFailed"
			}
		case ti.Update != nil:
			t, err := f.table(ti.Update.TableName)
			if err != nil {
				return nil, err
			}
			if !evalCondition(aws.StringValue(ti.Update.ConditionExpression), t.items[t.key(ti.Update.Key)], ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues) {
				code = "ConditionalCheckFailed"
			}
		}
		if code != "None" {
			failed = true
		}
		reasons[i] = &dynamodb.CancellationReason{Code: aws.String(code)}
	}
	if failed {
		return nil, &dynamodb.TransactionCanceledException{
			Message_:            aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			t, _ := f.table(ti.Put.TableName)
			t.items[t.key(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			t, _ := f.table(ti.Update.TableName)
			k := t.key(ti.Update.Key)
			t.items[k] = applyUpdate(t.items[k], ti.Update.Key, aws.StringValue(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var (
	existsClause  = regexp.MustCompile(`^(attribute_exists|attribute_not_exists)\((\S+)\)$`)
	compareClause = regexp.MustCompile(`^(\S+)\s*(=|<>|<=|>=|<|>)\s*(\S+)$`)
)

func resolveName(name string, names map[string]*string) string {
	if n, ok := names[name]; ok {
		return aws.StringValue(n)
	}
	return name
}

func evalCondition(expr string, item attrMap, names map[string]*string, values attrMap) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") {
			clause = strings.TrimSpace(clause[1 : len(clause)-1])
		}

		if m := existsClause.FindStringSubmatch(clause); m != nil {
			_, ok := item[resolveName(m[2], names)]
			if (m[1] == "attribute_exists") != ok {
				return false
			}
			continue
		}

		m := compareClause.FindStringSubmatch(clause)
		if m == nil {
			panic(fmt.Sprintf("fake dynamodb: unsupported expression %q", clause))
		}
		attr, ok := item[resolveName(m[1], names)]
		if !ok {
			return false
		}
		c := compareAttr(attr, values[m[3]])
		var pass bool
		switch m[2] {
		case "=":
			pass = c == 0
		case "<>":
			pass = c != 0
		case "<":
			pass = c < 0
		case "<=":
			pass = c <= 0
		case ">":
			pass = c > 0
		case ">=":
			pass = c >= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

func applyUpdate(existing, key attrMap, expr string, names map[string]*string, values attrMap) attrMap {
	item := copyItem(existing)
	if item == nil {
		item = copyItem(key)
	}

	switch {
	case strings.HasPrefix(expr, "ADD "):
		parts := strings.Fields(strings.TrimPrefix(expr, "ADD "))
		name := resolveName(parts[0], names)
		current := 0.0
		if a, ok := item[name]; ok {
			current, _ = strconv.ParseFloat(aws.StringValue(a.N), 64)
		}
		delta, _ := strconv.ParseFloat(aws.StringValue(values[parts[1]].N), 64)
		item[name] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatFloat(current+delta, 'f', -1, 64))}
	case strings.HasPrefix(expr, "SET "):
		for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
			kv := strings.SplitN(assign, "=", 2)
			item[resolveName(strings.TrimSpace(kv[0]), names)] = values[strings.TrimSpace(kv[1])]
		}
	default:
		panic(fmt.Sprintf("fake dynamodb: unsupported update %q", expr))
	}
	return item
}

func attrString(a *dynamodb.AttributeValue) string {
	if a == nil {
		return ""
	}
	if a.S != nil {
		return aws.StringValue(a.S)
	}
	if a.N != nil {
		return aws.StringValue(a.N)
	}
	if a.BOOL != nil {
		return strconv.FormatBool(aws.BoolValue(a.BOOL))
	}
	return ""
}

func compareAttr(a, b *dynamodb.AttributeValue) int {
	if a != nil && b != nil && a.N != nil && b.N != nil {
		x, _ := strconv.ParseFloat(aws.StringValue(a.N), 64)
		y, _ := strconv.ParseFloat(aws.StringValue(b.N), 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(attrString(a), attrString(b))
}

func copyItem(item attrMap) attrMap {
	if item == nil {
		return nil
	}
	out := make(attrMap, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
