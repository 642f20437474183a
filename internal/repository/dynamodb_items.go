package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sms-inbox/internal/domain"
)

const (
	pkPrefixConv  = "CONV#"
	pkPrefixPhone = "PHONE#"
	pkPrefixExt   = "EXT#"
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"
	skClaim       = "CLAIM#"
	skExt         = "EXT#"

	// timeLayout is fixed width so sort keys order lexically by time.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func phonePK(phone string) string {
	return pkPrefixPhone + phone
}

func extPK(externalID string) string {
	return pkPrefixExt + externalID
}

// msgSK orders messages by timestamp, breaking ties by id.
func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + formatTime(ts) + "#" + messageID
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return key(convPK(conversationID), skMeta)
}

func claimKey(phone string) map[string]types.AttributeValue {
	return key(phonePK(phone), skClaim)
}

func sVal(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func nVal(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func bVal(b bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: b}
}

func strList(ss []string) types.AttributeValue {
	l := make([]types.AttributeValue, 0, len(ss))
	for _, s := range ss {
		l = append(l, sVal(s))
	}
	return &types.AttributeValueMemberL{Value: l}
}

func conversationItem(c domain.Conversation) map[string]types.AttributeValue {
	item := metaKey(c.ID)
	item["entity"] = sVal("conversation")
	item["conversationId"] = sVal(c.ID)
	item["phoneNumber"] = sVal(c.PhoneNumber)
	item["ownerUserId"] = sVal(c.OwnerUserID)
	item["messageIds"] = strList(c.MessageIDs)
	item["unreadCount"] = nVal(c.UnreadCount)
	item["lastMessageAt"] = sVal(formatTime(c.LastMessageAt))
	item["createdAt"] = sVal(formatTime(c.CreatedAt))
	item["archived"] = bVal(c.Archived)
	item["deleted"] = bVal(c.Deleted)
	if c.CustomerName != "" {
		item["customerName"] = sVal(c.CustomerName)
	}
	return item
}

func messageItem(m domain.Message) map[string]types.AttributeValue {
	item := key(convPK(m.ConversationID), msgSK(m.Timestamp, m.ID))
	item["entity"] = sVal("message")
	item["messageId"] = sVal(m.ID)
	item["conversationId"] = sVal(m.ConversationID)
	item["content"] = sVal(m.Content)
	item["direction"] = sVal(string(m.Direction))
	item["phoneNumber"] = sVal(m.PhoneNumber)
	item["status"] = sVal(string(m.Status))
	item["read"] = bVal(m.Read)
	item["timestamp"] = sVal(formatTime(m.Timestamp))
	item["externalId"] = sVal(m.ExternalID)
	if m.ReadAt != nil {
		item["readAt"] = sVal(formatTime(*m.ReadAt))
	}
	if m.ReadBy != "" {
		item["readBy"] = sVal(m.ReadBy)
	}
	if m.StatusUpdatedAt != nil {
		item["statusUpdatedAt"] = sVal(formatTime(*m.StatusUpdatedAt))
	}
	return item
}

// extItem points an external id at the message that carries it.
func extItem(m domain.Message) map[string]types.AttributeValue {
	item := key(extPK(m.ExternalID), skExt)
	item["conversationId"] = sVal(m.ConversationID)
	item["messageId"] = sVal(m.ID)
	item["messageSK"] = sVal(msgSK(m.Timestamp, m.ID))
	return item
}

func claimItem(phone, conversationID string) map[string]types.AttributeValue {
	item := claimKey(phone)
	item["conversationId"] = sVal(conversationID)
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	phone, err := strAttr(item, "phoneNumber")
	if err != nil {
		return domain.Conversation{}, err
	}
	unread, err := intAttr(item, "unreadCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastAt, err := timeAttr(item, "lastMessageAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, _ := strAttr(item, "ownerUserId")
	name, _ := strAttr(item, "customerName")

	return domain.Conversation{
		ID:            id,
		PhoneNumber:   phone,
		OwnerUserID:   owner,
		MessageIDs:    strListAttr(item, "messageIds"),
		UnreadCount:   unread,
		LastMessageAt: lastAt,
		CreatedAt:     createdAt,
		Archived:      boolAttr(item, "archived"),
		Deleted:       boolAttr(item, "deleted"),
		CustomerName:  name,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	direction, err := strAttr(item, "direction")
	if err != nil {
		return domain.Message{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	phone, _ := strAttr(item, "phoneNumber")
	externalID, _ := strAttr(item, "externalId")
	readBy, _ := strAttr(item, "readBy")

	return domain.Message{
		ID:              id,
		ConversationID:  convID,
		Content:         content,
		Direction:       domain.Direction(direction),
		PhoneNumber:     phone,
		Status:          domain.MessageStatus(status),
		Read:            boolAttr(item, "read"),
		ReadAt:          optTimeAttr(item, "readAt"),
		ReadBy:          readBy,
		Timestamp:       ts,
		ExternalID:      externalID,
		StatusUpdatedAt: optTimeAttr(item, "statusUpdatedAt"),
	}, nil
}

func isMessageItem(item map[string]types.AttributeValue) bool {
	sk, err := strAttr(item, "SK")
	return err == nil && strings.HasPrefix(sk, skPrefixMsg)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) *time.Time {
	t, err := timeAttr(item, key)
	if err != nil {
		return nil
	}
	return &t
}

func strListAttr(item map[string]types.AttributeValue, key string) []string {
	out := []string{}
	l, ok := item[key].(*types.AttributeValueMemberL)
	if !ok {
		return out
	}
	for _, v := range l.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}
