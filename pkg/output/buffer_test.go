package output

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedBuffer_WithinLimit(t *testing.T) {
	buf := NewBoundedBuffer(100)
	buf.Append("foo")
	buf.Append("bar")

	assert.Equal(t, "foobar", buf.String())
	assert.False(t, buf.Truncated())
}

func TestBoundedBuffer_SlidesWhenLimitExceeded(t *testing.T) {
	buf := NewBoundedBuffer(5)

	buf.Append("abcde")
	assert.Equal(t, "abcde", buf.String())
	assert.False(t, buf.Truncated(), "exactly at capacity is not truncation")

	buf.Append("fg")
	assert.Equal(t, "cdefg", buf.String())
	assert.True(t, buf.Truncated())
}

func TestBoundedBuffer_SingleOversizedChunk(t *testing.T) {
	buf := NewBoundedBuffer(3)
	buf.Append("abcdef")

	assert.Equal(t, "def", buf.String())
	assert.True(t, buf.Truncated())
}

func TestBoundedBuffer_ChunkEqualToCapacityReplacesContent(t *testing.T) {
	buf := NewBoundedBuffer(3)
	buf.Append("a")
	buf.Append("xyz")

	assert.Equal(t, "xyz", buf.String())
	assert.True(t, buf.Truncated())
}

func TestBoundedBuffer_TruncatedIsSticky(t *testing.T) {
	buf := NewBoundedBuffer(4)
	buf.Append("12345")
	require.True(t, buf.Truncated())

	buf.Append("")
	assert.True(t, buf.Truncated())
	buf.Append("a")
	assert.True(t, buf.Truncated())
	assert.Equal(t, "345a", buf.String())
}

func TestBoundedBuffer_EmptyAppends(t *testing.T) {
	buf := NewBoundedBuffer(10)
	buf.Append("")
	buf.Append("hi")
	buf.Append("")

	assert.Equal(t, "hi", buf.String())
	assert.False(t, buf.Truncated())
}

func TestBoundedBuffer_NeverExceedsCapacity(t *testing.T) {
	chunks := []string{"a", "bb", "", "cccc", "ddddddd", "e", strings.Repeat("f", 13), "gg"}
	for capacity := 1; capacity <= 16; capacity++ {
		buf := NewBoundedBuffer(capacity)
		total := 0
		var everything strings.Builder
		for _, c := range chunks {
			buf.Append(c)
			total += len(c)
			everything.WriteString(c)

			require.LessOrEqual(t, buf.Len(), capacity)
			assert.Equal(t, total > capacity, buf.Truncated(), "capacity=%d total=%d", capacity, total)

			all := everything.String()
			if len(all) > capacity {
				all = all[len(all)-capacity:]
			}
			assert.Equal(t, all, buf.String())
		}
	}
}

func TestBoundedBuffer_OnTruncateFiresOnce(t *testing.T) {
	calls := 0
	buf := NewBoundedBuffer(2).OnTruncate(func() { calls++ })

	buf.Append("ab")
	assert.Equal(t, 0, calls)
	buf.Append("c")
	buf.Append("d")
	buf.Append("efgh")
	assert.Equal(t, 1, calls)
}

func TestBoundedBuffer_ConcurrentWrites(t *testing.T) {
	buf := NewBoundedBuffer(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = buf.Write([]byte("0123456789"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, buf.Len())
	assert.True(t, buf.Truncated())
}

func TestBoundedBuffer_WriteReportsFullLength(t *testing.T) {
	buf := NewBoundedBuffer(2)
	n, err := buf.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestMaxBytes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"unset", "", DefaultMaxBytes},
		{"explicit", "5242880", 5242880},
		{"surrounding whitespace", " 1024 ", 1024},
		{"non-numeric", "not-a-number", DefaultMaxBytes},
		{"zero", "0", DefaultMaxBytes},
		{"negative", "-100", DefaultMaxBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxBytes(tt.raw))
		})
	}
	assert.Equal(t, 10*1024*1024, DefaultMaxBytes)
}

func TestNewBoundedBuffer_NonPositiveCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxBytes, NewBoundedBuffer(0).Capacity())
	assert.Equal(t, DefaultMaxBytes, NewBoundedBuffer(-1).Capacity())
}
