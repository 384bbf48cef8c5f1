package filechooser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queuePoster collects posted funcs so the test goroutine plays the loop.
type queuePoster struct{ ch chan func() }

func newQueuePoster() *queuePoster { return &queuePoster{ch: make(chan func(), 16)} }

func (p *queuePoster) Post(fn func()) bool { p.ch <- fn; return true }

func (p *queuePoster) runOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-p.ch:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("nothing posted")
	}
}

type pickerFunc func(ctx context.Context, p Params) ([]string, error)

func (f pickerFunc) Pick(ctx context.Context, p Params) ([]string, error) { return f(ctx, p) }

func TestNoSelectionResolvesEmpty(t *testing.T) {
	poster := newQueuePoster()
	c := New(Options{
		Picker: pickerFunc(func(context.Context, Params) ([]string, error) { return nil, nil }),
		Poster: poster,
	})

	var got []string
	called := 0
	c.Show(Params{}, func(l []string) { called++; got = l })
	assert.True(t, c.Pending())

	poster.runOne(t)
	assert.Equal(t, 1, called)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.False(t, c.Pending())
}

func TestPickerFailureNotifies(t *testing.T) {
	poster := newQueuePoster()
	var notices []string
	c := New(Options{
		Picker: pickerFunc(func(context.Context, Params) ([]string, error) { return nil, errors.New("no activity") }),
		Poster: poster,
		Notify: func(s string) { notices = append(notices, s) },
	})

	var got []string
	c.Show(Params{}, func(l []string) { got = l })
	poster.runOne(t)

	assert.Empty(t, got)
	assert.Equal(t, []string{NoticeUnavailable}, notices)
}

func TestTimeoutDoesNotHang(t *testing.T) {
	poster := newQueuePoster()
	c := New(Options{
		Picker: pickerFunc(func(ctx context.Context, _ Params) ([]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Poster:  poster,
		Timeout: 20 * time.Millisecond,
	})

	resolved := false
	c.Show(Params{}, func(l []string) { resolved = true; assert.Empty(t, l) })
	poster.runOne(t)
	assert.True(t, resolved)
}

func TestSecondShowResolvesFirst(t *testing.T) {
	poster := newQueuePoster()
	release := make(chan []string, 1)
	c := New(Options{
		Picker: pickerFunc(func(ctx context.Context, p Params) ([]string, error) {
			if !p.Multiple {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return <-release, nil
		}),
		Poster: poster,
	})

	var first, second []string
	firstCalls := 0
	c.Show(Params{}, func(l []string) { firstCalls++; first = l })
	c.Show(Params{Multiple: true}, func(l []string) { second = l })
	assert.Equal(t, 1, firstCalls)
	assert.Empty(t, first)

	release <- []string{"content://media/1", "content://media/2"}
	// Both picker goroutines post; only the current one resolves.
	poster.runOne(t)
	poster.runOne(t)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, []string{"content://media/1", "content://media/2"}, second)
}

func TestSingleSelectionTrimmed(t *testing.T) {
	poster := newQueuePoster()
	c := New(Options{
		Picker: pickerFunc(func(context.Context, Params) ([]string, error) {
			return []string{"content://a", "content://b"}, nil
		}),
		Poster: poster,
	})
	var got []string
	c.Show(Params{Multiple: false}, func(l []string) { got = l })
	poster.runOne(t)
	assert.Equal(t, []string{"content://a"}, got)
}

func TestCancel(t *testing.T) {
	poster := newQueuePoster()
	c := New(Options{
		Picker: pickerFunc(func(ctx context.Context, _ Params) ([]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Poster: poster,
	})
	calls := 0
	c.Show(Params{}, func([]string) { calls++ })
	c.Cancel()
	assert.Equal(t, 1, calls)

	poster.runOne(t)
	assert.Equal(t, 1, calls)
}

func TestNoPicker(t *testing.T) {
	var notices []string
	c := New(Options{Poster: newQueuePoster(), Notify: func(s string) { notices = append(notices, s) }})
	var got []string
	c.Show(Params{}, func(l []string) { got = l })
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.Len(t, notices, 1)
}
