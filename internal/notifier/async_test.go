package notifier

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	sync.Mutex
	texts   []string
	err     error
	release chan struct{}
}

func (s *recordingSink) Send(text string) error {
	if s.release != nil {
		<-s.release
	}
	s.Lock()
	defer s.Unlock()
	s.texts = append(s.texts, text)
	return s.err
}

func (s *recordingSink) getTexts() []string {
	s.Lock()
	defer s.Unlock()
	return append([]string(nil), s.texts...)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 8, zap.NewNop(), nil)

	require.NoError(t, a.Send("one"))
	require.NoError(t, a.Send("two"))
	a.Close()

	assert.Equal(t, []string{"one", "two"}, sink.getTexts())
	assert.ErrorIs(t, a.Send("three"), ErrClosed)
	a.Close()
}

func TestAsyncDoesNotBlockWhenFull(t *testing.T) {
	sink := &recordingSink{release: make(chan struct{})}
	a := NewAsync(sink, 1, zap.NewNop(), nil)

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 5 && err == nil; i++ {
			err = a.Send("x")
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a saturated queue")
	}
	close(sink.release)
	a.Close()
}

func TestAsyncReportsErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("boom")}
	var mu sync.Mutex
	var failures int
	a := NewAsync(sink, 4, zap.NewNop(), func(error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})
	require.NoError(t, a.Send("x"))
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, failures)
}
