package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/backups3/fault"
	"github.com/baldanca/backups3/metrics"
	"github.com/baldanca/backups3/sink"
	"github.com/baldanca/backups3/source"
	"github.com/baldanca/backups3/transformer"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []string

	// errs holds errors returned in order for a call such as "download b1/x/y.txt".
	errs map[string][]error

	sidecars map[string]sink.ObjectMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		errs:     make(map[string][]error),
		sidecars: make(map[string]sink.ObjectMetadata),
	}
}

func (s *fakeStore) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if errs := s.errs[call]; len(errs) > 0 {
		s.errs[call] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *fakeStore) failWith(call string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[call] = append(s.errs[call], errs...)
}

func (s *fakeStore) Download(ctx context.Context, bucket, key string) (int64, error) {
	if err := s.record("download " + bucket + "/" + key); err != nil {
		return 0, err
	}
	return 12, nil
}

func (s *fakeStore) FetchMetadataAndTags(ctx context.Context, bucket, key string) (sink.ObjectMetadata, error) {
	if err := s.record("fetch " + bucket + "/" + key); err != nil {
		return sink.ObjectMetadata{}, err
	}
	return sink.ObjectMetadata{
		Metadata: map[string]string{"owner": bucket},
		Tags:     map[string]string{},
		Size:     12,
	}, nil
}

func (s *fakeStore) WriteMetadataSidecar(ctx context.Context, key string, meta sink.ObjectMetadata) error {
	if err := s.record("sidecar " + key); err != nil {
		return err
	}
	s.mu.Lock()
	s.sidecars[key] = meta
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

var _ sink.ObjectStore = (*fakeStore)(nil)

func s3Body(t *testing.T, refs ...transformer.ObjectRef) string {
	t.Helper()
	recs := make([]map[string]any, 0, len(refs))
	for _, r := range refs {
		ev := r.EventName
		if ev == "" {
			ev = "ObjectCreated:Put"
		}
		recs = append(recs, map[string]any{
			"eventName": ev,
			"s3": map[string]any{
				"bucket": map[string]any{"name": r.Bucket},
				"object": map[string]any{"key": r.Key},
			},
		})
	}
	b, err := json.Marshal(map[string]any{"Records": recs})
	require.NoError(t, err)
	return string(b)
}

func snsBody(t *testing.T, inner string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"Type":     "Notification",
		"TopicArn": "arn:aws:sns:us-east-1:123456789012:uploads",
		"Message":  inner,
	})
	require.NoError(t, err)
	return string(b)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestProcessor(t *testing.T, q *fakeQueue, s *fakeStore) (*Processor, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	p, err := NewProcessor(q, s, transformer.S3Notifications{}, m)
	require.NoError(t, err)
	p.SetRetryPolicy(ExponentialRetry{MaxRetries: 3, Sleep: noSleep})
	p.SetAckRetryPolicy(ExponentialRetry{MaxRetries: 3, Sleep: noSleep})
	return p, m
}

func TestNewProcessor_Validation(t *testing.T) {
	q, s, tr, m := newFakeQueue(), newFakeStore(), transformer.S3Notifications{}, metrics.New(nil)

	_, err := NewProcessor(nil, s, tr, m)
	assert.Error(t, err)
	_, err = NewProcessor(q, nil, tr, m)
	assert.Error(t, err)
	_, err = NewProcessor(q, s, nil, m)
	assert.Error(t, err)
	_, err = NewProcessor(q, s, tr, nil)
	assert.Error(t, err)
}

func TestProcess_WrappedNotification(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, m := newTestProcessor(t, q, s)

	body := snsBody(t, s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "x/y.txt"}))
	err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"download b1/x/y.txt",
		"fetch b1/x/y.txt",
		"sidecar x/y.txt",
	}, s.callLog())
	assert.Equal(t, map[string]string{"owner": "b1"}, s.sidecars["x/y.txt"].Metadata)
	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed))
}

func TestProcess_AllObjectsInOrderThenAck(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, _ := newTestProcessor(t, q, s)

	body := s3Body(t,
		transformer.ObjectRef{Bucket: "b1", Key: "a"},
		transformer.ObjectRef{Bucket: "b2", Key: "b"},
	)
	require.NoError(t, p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body}))

	assert.Equal(t, []string{
		"download b1/a", "fetch b1/a", "sidecar a",
		"download b2/b", "fetch b2/b", "sidecar b",
	}, s.callLog())
	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
}

func TestProcess_AnyFailureSkipsAck(t *testing.T) {
	body := func(t *testing.T) string {
		return s3Body(t,
			transformer.ObjectRef{Bucket: "b1", Key: "a"},
			transformer.ObjectRef{Bucket: "b1", Key: "b"},
			transformer.ObjectRef{Bucket: "b1", Key: "c"},
		)
	}

	for _, tc := range []struct {
		name string
		call string
		kind fault.Kind
	}{
		{"download not found", "download b1/b", fault.NotFound},
		{"fetch denied", "fetch b1/b", fault.AccessDenied},
		{"sidecar disk", "sidecar b", fault.LocalIO},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q, s := newFakeQueue(), newFakeStore()
			s.failWith(tc.call, fault.New(tc.kind, "op", errors.New("boom")))
			p, m := newTestProcessor(t, q, s)

			err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body(t)})
			require.Error(t, err)
			assert.True(t, fault.Is(err, tc.kind), "got %v", err)
			assert.Contains(t, err.Error(), "m1")

			assert.Empty(t, q.ackedHandles())
			assert.Equal(t, 0, q.ackCalls)
			assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesProcessed))
			assert.NotContains(t, s.callLog(), "download b1/c", "later objects are not attempted")
		})
	}
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	transient := fault.New(fault.RemoteService, "get object", errors.New("slow down"))
	s.failWith("download b1/k", transient, transient)
	p, _ := newTestProcessor(t, q, s)

	body := s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "k"})
	require.NoError(t, p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body}))

	assert.Equal(t, []string{
		"download b1/k", "download b1/k", "download b1/k",
		"fetch b1/k", "sidecar k",
	}, s.callLog())
	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
}

func TestProcess_TransientExhaustionSkipsAck(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	transient := fault.New(fault.RemoteService, "head object", errors.New("503"))
	s.failWith("fetch b1/k", transient, transient, transient)
	p, _ := newTestProcessor(t, q, s)

	body := s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "k"})
	err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body})
	assert.True(t, fault.Is(err, fault.RemoteService), "got %v", err)
	assert.Empty(t, q.ackedHandles())
}

func TestProcess_NotFoundIsNotRetried(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	s.failWith("download b1/gone", fault.New(fault.NotFound, "get object", errors.New("NoSuchKey")))
	p, _ := newTestProcessor(t, q, s)

	body := s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "gone"})
	err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body})
	assert.True(t, fault.Is(err, fault.NotFound))
	assert.Equal(t, []string{"download b1/gone"}, s.callLog())
	assert.Empty(t, q.ackedHandles())
}

func TestProcess_NoRecordsIsAcknowledged(t *testing.T) {
	for name, body := range map[string]string{
		"empty records": `{"Records":[]}`,
		"test event":    `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"b1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			q, s := newFakeQueue(), newFakeStore()
			p, m := newTestProcessor(t, q, s)

			require.NoError(t, p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body}))
			assert.Empty(t, s.callLog())
			assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed))
		})
	}
}

func TestProcess_MalformedIsNotAcknowledged(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, m := newTestProcessor(t, q, s)

	err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: "not json"})
	assert.True(t, fault.Is(err, fault.MalformedMessage), "got %v", err)
	assert.Empty(t, s.callLog())
	assert.Equal(t, 0, q.ackCalls)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesProcessed))
}

func TestProcess_SkipsRemovalsAndFolderMarkers(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, _ := newTestProcessor(t, q, s)

	body := s3Body(t,
		transformer.ObjectRef{Bucket: "b1", Key: "old.txt", EventName: "ObjectRemoved:Delete"},
		transformer.ObjectRef{Bucket: "b1", Key: "photos/"},
		transformer.ObjectRef{Bucket: "b1", Key: "photos/a.jpg"},
	)
	require.NoError(t, p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: body}))

	assert.Equal(t, []string{
		"download b1/photos/a.jpg", "fetch b1/photos/a.jpg", "sidecar photos/a.jpg",
	}, s.callLog())
	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
}

func TestProcess_AlreadyGoneAckCountsAsSuccess(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, m := newTestProcessor(t, q, s)

	msg := source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: `{"Records":[]}`}
	require.NoError(t, p.Process(context.Background(), msg))
	require.NoError(t, p.Process(context.Background(), msg), "second delete of the same handle")

	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
	assert.Equal(t, 2, q.ackCalls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesProcessed))
}

func TestProcess_AckIsRetried(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	q.ackErrs = []error{fault.New(fault.RemoteService, "delete message", errors.New("throttled"))}
	p, _ := newTestProcessor(t, q, s)

	require.NoError(t, p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: `{"Records":[]}`}))
	assert.Equal(t, 2, q.ackCalls)
	assert.Equal(t, []string{"rh-1"}, q.ackedHandles())
}

func TestProcess_AckFailureIsReturned(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	denied := fault.New(fault.AccessDenied, "delete message", errors.New("AccessDenied"))
	q.ackErrs = []error{denied}
	p, m := newTestProcessor(t, q, s)

	err := p.Process(context.Background(), source.Message{ID: "m1", ReceiptHandle: "rh-1", Body: `{"Records":[]}`})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, q.ackCalls)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesProcessed))
}

func TestProcess_WithIngestor(t *testing.T) {
	q, s := newFakeQueue(), newFakeStore()
	p, m := newTestProcessor(t, q, s)

	q.batches <- []source.Message{
		{ID: "m1", ReceiptHandle: "rh-1", Body: s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "a"})},
		{ID: "m2", ReceiptHandle: "rh-2", Body: "garbage"},
		{ID: "m3", ReceiptHandle: "rh-3", Body: snsBody(t, s3Body(t, transformer.ObjectRef{Bucket: "b1", Key: "b"}))},
	}

	cancel, errCh := startIngestor(t, Config{Workers: 2}, q, p, m)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MessagesProcessed)+testutil.ToFloat64(m.MessagesFailed) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))

	assert.ElementsMatch(t, []string{"rh-1", "rh-3"}, q.ackedHandles())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesFailed))
}
