package transformer

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/baldanca/backups3/fault"
	"github.com/baldanca/backups3/source"
)

// Kind tells how a notification reached the queue.
type Kind int

const (
	// Direct is an S3 event notification delivered straight to the queue.
	Direct Kind = iota + 1
	// Wrapped is an S3 event notification carried as the serialized Message of an
	// SNS envelope (S3 -> SNS -> SQS fan-out).
	Wrapped
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Wrapped:
		return "wrapped"
	default:
		return "unknown"
	}
}

// ObjectRef identifies one object to ingest.
type ObjectRef struct {
	Bucket    string
	Key       string
	EventName string
}

// Removal reports whether the record announces a deleted object.
func (r ObjectRef) Removal() bool {
	return strings.HasPrefix(r.EventName, "ObjectRemoved")
}

// Placeholder reports whether the key is a zero-byte "folder" marker such as the
// ones the S3 console creates.
func (r ObjectRef) Placeholder() bool {
	return strings.HasSuffix(r.Key, "/")
}

// Notification is a decoded queue message body.
type Notification struct {
	Kind    Kind
	Records []ObjectRef

	// TopicARN is set for Wrapped notifications.
	TopicARN string
}

const decodeOp = "decode notification"

// Decode resolves body into a Notification, unwrapping at most one level of SNS
// envelope. Bodies without S3 records (for example the s3:TestEvent sent when a
// notification configuration is created) decode to zero records.
func Decode(body string) (Notification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return Notification{}, fault.New(fault.MalformedMessage, decodeOp, err)
	}
	if probe == nil {
		return Notification{}, fault.Newf(fault.MalformedMessage, decodeOp, "body is not a JSON object")
	}

	n := Notification{Kind: Direct}
	inner := body
	if _, ok := probe["Message"]; ok {
		var sns events.SNSEntity
		if err := json.Unmarshal([]byte(body), &sns); err != nil {
			return Notification{}, fault.New(fault.MalformedMessage, decodeOp, err)
		}
		n.Kind = Wrapped
		n.TopicARN = sns.TopicArn
		inner = sns.Message
		if !strings.HasPrefix(strings.TrimSpace(inner), "{") {
			return Notification{}, fault.Newf(fault.MalformedMessage, decodeOp, "%s payload is not a JSON object", n.Kind)
		}
	}

	var ev events.S3Event
	if err := json.Unmarshal([]byte(inner), &ev); err != nil {
		return Notification{}, fault.Newf(fault.MalformedMessage, decodeOp, "%s payload: %w", n.Kind, err)
	}

	n.Records = make([]ObjectRef, 0, len(ev.Records))
	for i, rec := range ev.Records {
		ref := ObjectRef{
			Bucket:    rec.S3.Bucket.Name,
			Key:       decodeKey(rec.S3.Object.Key),
			EventName: rec.EventName,
		}
		if ref.Bucket == "" || ref.Key == "" {
			return Notification{}, fault.Newf(fault.MalformedMessage, decodeOp, "record %d: missing bucket or key", i)
		}
		n.Records = append(n.Records, ref)
	}
	return n, nil
}

// S3 URL-encodes object keys in event notifications, spaces as '+'.
func decodeKey(k string) string {
	if d, err := url.QueryUnescape(k); err == nil {
		return d
	}
	return k
}

// S3Notifications is the Transformer for S3 event notification messages.
type S3Notifications struct{}

var _ Transformer[Notification] = S3Notifications{}

func (S3Notifications) Transform(ctx context.Context, in source.Message) (Notification, error) {
	_ = ctx
	return Decode(in.Body)
}
