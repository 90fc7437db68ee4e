package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSink mocks the Sink interface
type MockSink struct {
	mock.Mock
}

func (m *MockSink) WriteCellRow(ctx context.Context, row CellRow) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *MockSink) WriteUERow(ctx context.Context, row UERow) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

const queueKPI = `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1","measurements":[{"name":"thp","value":5}],"ues":[{"ueId":"u1","measurements":[{"name":"cqi","value":9}]}]}}`

func TestQueue_WritesToEverySink(t *testing.T) {
	first, second := &MockSink{}, &MockSink{}
	var wg sync.WaitGroup
	wg.Add(4)
	for _, s := range []*MockSink{first, second} {
		s.On("WriteCellRow", mock.Anything, mock.MatchedBy(func(r CellRow) bool {
			return r.MEID == "m1" && r.CellID == "c1"
		})).Return(nil).Run(func(mock.Arguments) { wg.Done() })
		s.On("WriteUERow", mock.Anything, mock.MatchedBy(func(r UERow) bool {
			return r.UEID == "u1"
		})).Return(nil).Run(func(mock.Arguments) { wg.Done() })
	}

	q := NewQueue(8, first, second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	assert.True(t, q.Enqueue(decodeKPI(t, queueKPI)))
	waitGroupOrFail(t, &wg)

	cancel()
	<-done
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestQueue_SinkErrorIsReportedAndIsolated(t *testing.T) {
	failing, healthy := &MockSink{}, &MockSink{}
	var wg sync.WaitGroup
	wg.Add(2)
	failing.On("WriteCellRow", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	failing.On("WriteUERow", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	healthy.On("WriteCellRow", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) { wg.Done() })
	healthy.On("WriteUERow", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) { wg.Done() })

	q := NewQueue(8, failing, healthy)
	var mu sync.Mutex
	var failures int
	q.OnSinkError = func(sink string, err error) {
		mu.Lock()
		failures++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.True(t, q.Enqueue(decodeKPI(t, queueKPI)))
	waitGroupOrFail(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, failures)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(1, &MockSink{})
	report := decodeKPI(t, queueKPI)

	// no worker running: the first fills the buffer, the second is dropped
	assert.True(t, q.Enqueue(report))
	assert.False(t, q.Enqueue(report))
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueue_FlushesOnShutdown(t *testing.T) {
	sink := &MockSink{}
	sink.On("WriteCellRow", mock.Anything, mock.Anything).Return(nil)
	sink.On("WriteUERow", mock.Anything, mock.Anything).Return(nil)
	sink.On("Close").Return(nil)

	q := NewQueue(4, sink)
	report := decodeKPI(t, queueKPI)
	require.True(t, q.Enqueue(report))
	require.True(t, q.Enqueue(report))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	sink.AssertNumberOfCalls(t, "WriteCellRow", 2)
	sink.AssertNumberOfCalls(t, "WriteUERow", 2)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	sink.AssertNumberOfCalls(t, "Close", 1)
	assert.False(t, q.Enqueue(report), "closed queue rejects reports")
}

func TestQueue_CloseCombinesErrors(t *testing.T) {
	a, b := &MockSink{}, &MockSink{}
	a.On("Close").Return(errors.New("a failed"))
	b.On("Close").Return(errors.New("b failed"))

	err := NewQueue(1, a, b).Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func waitGroupOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink writes")
	}
}
