package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mail"
	"github.com/armorclaw/exceptionmailer/pkg/metrics"
	"github.com/armorclaw/exceptionmailer/pkg/report"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Send(ctx context.Context, msg mail.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type panicSink struct{}

func (panicSink) Send(context.Context, mail.Message) error { panic("smtp exploded") }

var testConfig = Config{
	Recipients:    []string{"ops@example.com", "Dev Team <dev@example.com>"},
	Sender:        "reports@example.com",
	SubjectPrefix: "[app] ",
}

func artifact(id string) report.Artifact {
	return report.Artifact{
		ID:      id,
		Subject: "views.some_view :: IndexError",
		Text:    "list index out of range",
		HTML:    "<p>list index out of range</p>",
	}
}

func newTestDispatcher(t *testing.T, sink mail.Sink) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	d, err := New(testConfig, sink, WithLogger(logger.Discard()), WithMetrics(m))
	require.NoError(t, err)
	return d, m
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"valid", testConfig, nil},
		{"no sender", Config{Recipients: []string{"a@example.com"}}, nil},
		{"no recipients", Config{}, ErrNoRecipients},
		{"bad recipient", Config{Recipients: []string{"a@example.com", "nope"}}, ErrInvalidAddress},
		{"bad sender", Config{Recipients: []string{"a@example.com"}, Sender: "@@"}, ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, &mail.Recorder{})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = New(testConfig, nil)
	assert.ErrorIs(t, err, ErrNoSink)

	d, err := New(Config{Recipients: []string{"a@example.com"}}, &mail.Recorder{}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	assert.Equal(t, DefaultSender, d.Config().Sender)
}

func TestDispatch_SendsExactlyOnce(t *testing.T) {
	sink := &mockSink{}
	sink.On("Send", mock.Anything, mock.MatchedBy(func(msg mail.Message) bool {
		return msg.Subject == "[app] views.some_view :: IndexError" &&
			msg.From == "reports@example.com" &&
			len(msg.To) == 2 &&
			msg.Headers[mail.HeaderReportID] == "rp_1" &&
			msg.Text == "list index out of range"
	})).Return(nil).Once()

	d, m := newTestDispatcher(t, sink)
	res := d.Dispatch(context.Background(), artifact("rp_1"), false)

	assert.Equal(t, Sent, res.Status)
	assert.Equal(t, "rp_1", res.ReportID)
	assert.NoError(t, res.Err)
	sink.AssertExpectations(t)
	sink.AssertNumberOfCalls(t, "Send", 1)
	assert.Equal(t, int64(1), m.GetSnapshot()["dispatch_sent"])
}

func TestDispatch_LogsReportID(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Writer: &buf})
	require.NoError(t, err)

	d, err := New(testConfig, &mail.Recorder{}, WithLogger(log), WithMetrics(metrics.New()))
	require.NoError(t, err)

	res := d.Dispatch(context.Background(), artifact("rp_1"), false)
	require.Equal(t, Sent, res.Status)

	out := buf.String()
	assert.Contains(t, out, "report sent")
	assert.Contains(t, out, `"report_id":"rp_1"`)
}

func TestDispatch_IgnoreSuppresses(t *testing.T) {
	sink := &mockSink{}

	d, m := newTestDispatcher(t, sink)
	res := d.Dispatch(context.Background(), artifact("rp_2"), true)

	assert.Equal(t, Suppressed, res.Status)
	assert.NoError(t, res.Err)
	sink.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Equal(t, int64(1), m.GetSnapshot()["dispatch_suppressed"])
}

func TestDispatch_SinkFailure(t *testing.T) {
	sink := &mockSink{}
	sink.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	d, m := newTestDispatcher(t, sink)
	res := d.Dispatch(context.Background(), artifact("rp_3"), false)

	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDispatchFailed)
	assert.Contains(t, res.Err.Error(), "connection refused")
	sink.AssertNumberOfCalls(t, "Send", 1)
	assert.Equal(t, int64(1), m.GetSnapshot()["dispatch_failed"])
}

func TestDispatch_SinkPanic(t *testing.T) {
	d, _ := newTestDispatcher(t, panicSink{})

	res := d.Dispatch(context.Background(), artifact("rp_4"), false)

	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDispatchFailed)
	assert.Contains(t, res.Err.Error(), "smtp exploded")
}

func TestMessage_CopiesRecipients(t *testing.T) {
	d, _ := newTestDispatcher(t, &mail.Recorder{})

	msg := d.Message(artifact("rp_5"))
	msg.To[0] = "changed@example.com"

	assert.Equal(t, "ops@example.com", d.Config().Recipients[0])
}

func TestAsync_DeliversEveryArtifactOnce(t *testing.T) {
	rec := &mail.Recorder{}
	d, _ := newTestDispatcher(t, rec)

	var mu sync.Mutex
	results := map[string]Status{}
	pool := NewAsync(d, AsyncOptions{Workers: 3, QueueSize: 20, OnResult: func(r Result) {
		mu.Lock()
		results[r.ReportID] = r.Status
		mu.Unlock()
	}})
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()))

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, id := range ids {
		res := pool.Submit(artifact(id))
		require.Equal(t, Queued, res.Status)
	}
	require.NoError(t, pool.Stop())
	assert.False(t, pool.Running())

	assert.Equal(t, len(ids), rec.Len())
	seen := map[string]int{}
	for _, msg := range rec.Messages() {
		seen[msg.Headers[mail.HeaderReportID]]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "artifact %s", id)
		assert.Equal(t, Sent, results[id])
	}
}

// blockingSink holds every send until release is closed
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSink) Send(context.Context, mail.Message) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestAsync_FullQueueFails(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	d, _ := newTestDispatcher(t, sink)

	pool := NewAsync(d, AsyncOptions{Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Start(context.Background()))

	require.Equal(t, Queued, pool.Submit(artifact("first")).Status)
	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first artifact")
	}

	require.Equal(t, Queued, pool.Submit(artifact("second")).Status)

	res := pool.Submit(artifact("third"))
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrQueueFull)
	assert.ErrorIs(t, res.Err, ErrDispatchFailed)

	close(sink.release)
	<-sink.started
	require.NoError(t, pool.Stop())
}

// ctxSink refuses sends on a done context
type ctxSink struct {
	mail.Recorder
}

func (s *ctxSink) Send(ctx context.Context, msg mail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Recorder.Send(ctx, msg)
}

func TestAsync_CancelledStartContextStillDrains(t *testing.T) {
	sink := &ctxSink{}
	d, _ := newTestDispatcher(t, sink)

	var mu sync.Mutex
	results := map[string]Status{}
	pool := NewAsync(d, AsyncOptions{Workers: 2, QueueSize: 8, OnResult: func(r Result) {
		mu.Lock()
		results[r.ReportID] = r.Status
		mu.Unlock()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.Equal(t, Queued, pool.Submit(artifact(id)).Status)
	}
	require.NoError(t, pool.Stop())

	assert.Equal(t, len(ids), sink.Len())
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, Sent, results[id], "artifact %s", id)
	}
}

func TestAsync_SubmitBeforeStart(t *testing.T) {
	d, _ := newTestDispatcher(t, &mail.Recorder{})
	pool := NewAsync(d, AsyncOptions{})

	res := pool.Submit(artifact("x"))
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrNotRunning)
	assert.NoError(t, pool.Stop())
}
