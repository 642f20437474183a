package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sms-inbox/internal/domain"
)

const (
	// maxTxMessages leaves room for the conversation update in a
	// 100-item transaction.
	maxTxMessages   = 99
	maxReadAttempts = 3
	condFailed      = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations and messages in a single DynamoDB table.
//
// Item layout:
//
//	CONV#<id>      META#               conversation
//	CONV#<id>      MSG#<ts>#<msgId>    message
//	PHONE#<number> CLAIM#              active-conversation claim on a number
//	EXT#<sid>      EXT#                provider message id -> message
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// GetConversation loads one conversation without its messages.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, metaKey(conversationID))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

// FindActiveConversationByPhone resolves the non-deleted conversation that
// claims phone.
func (c *Client) FindActiveConversationByPhone(ctx context.Context, phone string) (domain.Conversation, error) {
	claim, err := c.getItem(ctx, claimKey(phone))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversationByPhone: %w", err)
	}
	conversationID, err := strAttr(claim, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversationByPhone decode claim: %w", err)
	}
	return c.GetConversation(ctx, conversationID)
}

// CreateConversation writes the phone claim, the conversation and, when
// first is set, its first message in one transaction. A lost claim means
// another active conversation owns the number and yields ErrConflict.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation, first *domain.Message) (domain.Conversation, error) {
	if conv.ID == "" || conv.PhoneNumber == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id and phone number are required")
	}
	conv.MessageIDs = []string{}
	conv.UnreadCount = 0

	var msg domain.Message
	if first != nil {
		msg = *first
		msg.ConversationID = conv.ID
		conv.MessageIDs = []string{msg.ID}
		conv.LastMessageAt = msg.Timestamp
		if msg.Unread() {
			conv.UnreadCount = 1
		}
	}

	items := []types.TransactWriteItem{
		{Put: c.putIfAbsent(claimItem(conv.PhoneNumber, conv.ID))},
		{Put: c.putIfAbsent(conversationItem(conv))},
	}
	if first != nil {
		items = append(items, types.TransactWriteItem{Put: c.putIfAbsent(messageItem(msg))})
		if msg.ExternalID != "" {
			items = append(items, types.TransactWriteItem{Put: c.putIfAbsent(extItem(msg))})
		}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		failed := failedConditions(err)
		switch {
		case failed[0]:
			return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", ErrConflict)
		case failed[3]:
			return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", ErrDuplicate)
		}
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// AppendMessage stores msg and appends it to its conversation in one
// transaction. Inbound unread messages bump the unread count by one. A
// non-empty owner replaces the conversation owner. A soft-deleted
// conversation yields ErrConflict so callers re-resolve the active one.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message, owner string) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: message id and conversation id are required")
	}

	inc := 0
	if msg.Unread() {
		inc = 1
	}
	expr := "SET messageIds = list_append(if_not_exists(messageIds, :empty), :ids), " +
		"lastMessageAt = :ts, unreadCount = if_not_exists(unreadCount, :zero) + :inc"
	values := map[string]types.AttributeValue{
		":empty": strList(nil),
		":ids":   strList([]string{msg.ID}),
		":ts":    sVal(formatTime(msg.Timestamp)),
		":zero":  nVal(0),
		":inc":   nVal(inc),
		":false": bVal(false),
	}
	if owner != "" {
		expr += ", ownerUserId = :owner"
		values[":owner"] = sVal(owner)
	}

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(c.tableName),
			Key:                       metaKey(msg.ConversationID),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("attribute_exists(PK) AND deleted = :false"),
			ExpressionAttributeValues: values,
			// The old item tells a deleted conversation apart from a missing one.
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}},
		{Put: c.putIfAbsent(messageItem(msg))},
	}
	if msg.ExternalID != "" {
		items = append(items, types.TransactWriteItem{Put: c.putIfAbsent(extItem(msg))})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		failed := failedConditions(err)
		switch {
		case failed[0] && len(cancelledItem(err, 0)) > 0:
			return fmt.Errorf("repository: AppendMessage: conversation deleted: %w", ErrConflict)
		case failed[0]:
			return fmt.Errorf("repository: AppendMessage: %w", ErrNotFound)
		case failed[2]:
			return fmt.Errorf("repository: AppendMessage: %w", ErrDuplicate)
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// MarkMessageRead marks one inbound message read and decrements the
// unread count in one transaction. It reports false when the message was
// already read.
func (c *Client) MarkMessageRead(ctx context.Context, conversationID, messageID, userID string, at time.Time) (bool, error) {
	msgs, err := c.queryMessages(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("repository: MarkMessageRead: %w", err)
	}
	var msg *domain.Message
	for i := range msgs {
		if msgs[i].ID == messageID {
			msg = &msgs[i]
			break
		}
	}
	if msg == nil {
		return false, fmt.Errorf("repository: MarkMessageRead: %w", ErrNotFound)
	}
	if !msg.Unread() {
		return false, nil
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: c.markReadUpdate(*msg, userID, at)},
			{Update: c.decrementUnread(conversationID, 1)},
		},
	})
	if err != nil {
		failed := failedConditions(err)
		switch {
		case failed[0]:
			return false, nil
		case failed[1]:
			return false, fmt.Errorf("repository: MarkMessageRead: %w", ErrConflict)
		}
		return false, fmt.Errorf("repository: MarkMessageRead: %w", err)
	}
	return true, nil
}

// MarkConversationRead marks every unread inbound message read and takes
// them off the unread count. Up to maxTxMessages messages commit in a single
// transaction; larger backlogs commit in chunks that each keep the count
// consistent with the messages. A chunk that loses a race with a concurrent
// read is re-planned from fresh state.
//
// Committed chunks are never rolled back, so once any chunk has committed
// the ids marked so far are returned without an error, even if later chunks
// keep losing races. ErrConflict means nothing was marked.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	marked := []string{}
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		if _, err := c.GetConversation(ctx, conversationID); err != nil {
			return partialRead(marked, err)
		}
		msgs, err := c.queryMessages(ctx, conversationID)
		if err != nil {
			return partialRead(marked, err)
		}
		unread := make([]domain.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Unread() {
				unread = append(unread, m)
			}
		}
		if len(unread) == 0 {
			return marked, nil
		}

		raced := false
		for start := 0; start < len(unread); start += maxTxMessages {
			end := min(start+maxTxMessages, len(unread))
			chunk := unread[start:end]

			items := make([]types.TransactWriteItem, 0, len(chunk)+1)
			for _, m := range chunk {
				items = append(items, types.TransactWriteItem{Update: c.markReadUpdate(m, userID, at)})
			}
			items = append(items, types.TransactWriteItem{Update: c.decrementUnread(conversationID, len(chunk))})

			_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
			if err != nil {
				if len(failedConditions(err)) > 0 {
					raced = true
					break
				}
				return partialRead(marked, err)
			}
			for _, m := range chunk {
				marked = append(marked, m.ID)
			}
		}
		if !raced {
			return marked, nil
		}
	}
	return partialRead(marked, ErrConflict)
}

// partialRead reports already committed ids in place of err.
func partialRead(marked []string, err error) ([]string, error) {
	if len(marked) > 0 {
		return marked, nil
	}
	return nil, fmt.Errorf("repository: MarkConversationRead: %w", err)
}

// SetArchived flips the archived flag.
func (c *Client) SetArchived(ctx context.Context, conversationID string, archived bool, at time.Time) (domain.Conversation, error) {
	conv, err := c.updateMeta(ctx, conversationID, "SET archived = :v, lastMessageAt = :at", map[string]types.AttributeValue{
		":v":  bVal(archived),
		":at": sVal(formatTime(at)),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: SetArchived: %w", err)
	}
	return conv, nil
}

// SetCustomerName sets or, when name is empty, clears the display label.
func (c *Client) SetCustomerName(ctx context.Context, conversationID, name string, at time.Time) (domain.Conversation, error) {
	expr := "SET customerName = :v, lastMessageAt = :at"
	values := map[string]types.AttributeValue{
		":v":  sVal(name),
		":at": sVal(formatTime(at)),
	}
	if name == "" {
		expr = "SET lastMessageAt = :at REMOVE customerName"
		delete(values, ":v")
	}
	conv, err := c.updateMeta(ctx, conversationID, expr, values)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: SetCustomerName: %w", err)
	}
	return conv, nil
}

// SetDeleted soft-deletes or restores a conversation. Deleting releases the
// phone claim; restoring takes it back and fails with ErrConflict when
// another active conversation holds the number.
func (c *Client) SetDeleted(ctx context.Context, conversationID string, deleted bool, at time.Time) (domain.Conversation, error) {
	conv, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: SetDeleted: %w", err)
	}
	if conv.Deleted == deleted {
		conv, err = c.updateMeta(ctx, conversationID, "SET lastMessageAt = :at", map[string]types.AttributeValue{
			":at": sVal(formatTime(at)),
		})
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: SetDeleted: %w", err)
		}
		return conv, nil
	}

	flag := &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(conversationID),
		UpdateExpression:    aws.String("SET deleted = :v, lastMessageAt = :at"),
		ConditionExpression: aws.String("deleted = :was"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   bVal(deleted),
			":was": bVal(!deleted),
			":at":  sVal(formatTime(at)),
		},
	}
	var claim types.TransactWriteItem
	if deleted {
		claim = types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(c.tableName),
			Key:                       claimKey(conv.PhoneNumber),
			ConditionExpression:       aws.String("conversationId = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":id": sVal(conversationID)},
		}}
	} else {
		claim = types.TransactWriteItem{Put: c.putIfAbsent(claimItem(conv.PhoneNumber, conversationID))}
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{{Update: flag}, claim},
	})
	if err != nil {
		if len(failedConditions(err)) > 0 {
			return domain.Conversation{}, fmt.Errorf("repository: SetDeleted: %w", ErrConflict)
		}
		return domain.Conversation{}, fmt.Errorf("repository: SetDeleted: %w", err)
	}
	conv.Deleted = deleted
	conv.LastMessageAt = at
	return conv, nil
}

// ListConversations returns conversations newest activity first, each with
// its messages in timestamp order.
func (c *Client) ListConversations(ctx context.Context, includeDeleted bool) ([]domain.ConversationView, error) {
	convs := map[string]*domain.ConversationView{}
	msgs := map[string][]domain.Message{}

	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("begins_with(PK, :conv)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conv": sVal(pkPrefixConv),
		},
		ConsistentRead: aws.Bool(true),
	}
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		for _, item := range out.Items {
			if isMessageItem(item) {
				m, err := itemToMessage(item)
				if err != nil {
					return nil, fmt.Errorf("repository: ListConversations unmarshal message: %w", err)
				}
				msgs[m.ConversationID] = append(msgs[m.ConversationID], m)
				continue
			}
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal conversation: %w", err)
			}
			convs[conv.ID] = &domain.ConversationView{Conversation: conv}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	views := make([]domain.ConversationView, 0, len(convs))
	for id, v := range convs {
		if v.Deleted && !includeDeleted {
			continue
		}
		v.Messages = msgs[id]
		if v.Messages == nil {
			v.Messages = []domain.Message{}
		}
		domain.SortByTimestamp(v.Messages)
		views = append(views, *v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LastMessageAt.After(views[j].LastMessageAt)
	})
	return views, nil
}

// GetMessagesForConversation returns a conversation's messages oldest first.
func (c *Client) GetMessagesForConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := c.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("repository: GetMessagesForConversation: %w", err)
	}
	msgs, err := c.queryMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessagesForConversation: %w", err)
	}
	domain.SortByTimestamp(msgs)
	return msgs, nil
}

// FindMessageByExternalID resolves a provider message id.
func (c *Client) FindMessageByExternalID(ctx context.Context, externalID string) (domain.Message, error) {
	ptr, err := c.getItem(ctx, key(extPK(externalID), skExt))
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID: %w", err)
	}
	convID, err := strAttr(ptr, "conversationId")
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID decode: %w", err)
	}
	sk, err := strAttr(ptr, "messageSK")
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID decode: %w", err)
	}
	item, err := c.getItem(ctx, key(convPK(convID), sk))
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID: %w", err)
	}
	msg, err := itemToMessage(item)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID unmarshal: %w", err)
	}
	return msg, nil
}

// UpdateMessageStatus moves msg from one status to another. It reports false
// when the stored status is no longer from.
func (c *Client) UpdateMessageStatus(ctx context.Context, msg domain.Message, from, to domain.MessageStatus, at time.Time) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(convPK(msg.ConversationID), msgSK(msg.Timestamp, msg.ID)),
		UpdateExpression:         aws.String("SET #status = :to, statusUpdatedAt = :at"),
		ConditionExpression:      aws.String("#status = :from"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   sVal(string(to)),
			":from": sVal(string(from)),
			":at":   sVal(formatTime(at)),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: UpdateMessageStatus: %w", err)
	}
	return true, nil
}

func (c *Client) getItem(ctx context.Context, k map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

// queryMessages reads every message item of a conversation in sort key order.
func (c *Client) queryMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sVal(convPK(conversationID)),
			":prefix": sVal(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	msgs := []domain.Message{}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, item := range out.Items {
			m, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("unmarshal message: %w", err)
			}
			msgs = append(msgs, m)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) updateMeta(ctx context.Context, conversationID, expr string, values map[string]types.AttributeValue) (domain.Conversation, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       metaKey(conversationID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("update item: %w", err)
	}
	conv, err := itemToConversation(out.Attributes)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("unmarshal: %w", err)
	}
	return conv, nil
}

func (c *Client) putIfAbsent(item map[string]types.AttributeValue) *types.Put {
	return &types.Put{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}
}

func (c *Client) markReadUpdate(m domain.Message, userID string, at time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(m.ConversationID), msgSK(m.Timestamp, m.ID)),
		UpdateExpression:    aws.String("SET #read = :true, readAt = :at, readBy = :by"),
		ConditionExpression: aws.String("#read = :false AND #dir = :inbound"),
		ExpressionAttributeNames: map[string]string{
			"#read": "read",
			"#dir":  "direction",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":    bVal(true),
			":false":   bVal(false),
			":inbound": sVal(string(domain.DirectionInbound)),
			":at":      sVal(formatTime(at)),
			":by":      sVal(userID),
		},
	}
}

func (c *Client) decrementUnread(conversationID string, n int) *types.Update {
	return &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(conversationID),
		UpdateExpression:    aws.String("SET unreadCount = unreadCount - :n"),
		ConditionExpression: aws.String("unreadCount >= :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": nVal(n),
		},
	}
}

// cancelledItem returns the old item reported for transaction item i, if
// the request asked for it.
func cancelledItem(err error, i int) map[string]types.AttributeValue {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || i >= len(tce.CancellationReasons) {
		return nil
	}
	return tce.CancellationReasons[i].Item
}

// failedConditions returns the transaction item indexes whose condition
// check failed. It is empty for any other error.
func failedConditions(err error) map[int]bool {
	failed := map[int]bool{}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return failed
	}
	for i, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == condFailed {
			failed[i] = true
		}
	}
	return failed
}
