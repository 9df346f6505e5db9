package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_UnderSize(t *testing.T) {
	r := New(16)
	r.Push([]byte("hello"))
	assert.Equal(t, []byte("hello"), r.Snapshot())
}

func TestBuffer_ExactSize(t *testing.T) {
	r := New(5)
	r.Push([]byte("abcde"))
	assert.Equal(t, []byte("abcde"), r.Snapshot())
}

func TestBuffer_Wrap(t *testing.T) {
	r := New(5)
	r.Push([]byte("abcde"))
	r.Push([]byte("fg"))
	assert.Equal(t, []byte("cdefg"), r.Snapshot())
}

func TestBuffer_MultipleWraps(t *testing.T) {
	r := New(4)
	r.Push([]byte("abcdefghijklmnop"))
	assert.Equal(t, []byte("mnop"), r.Snapshot())
}

func TestBuffer_Empty(t *testing.T) {
	r := New(16)
	assert.Empty(t, r.Snapshot())
}

func TestBuffer_IncrementalPushes(t *testing.T) {
	r := New(6)
	r.Push([]byte("ab"))
	r.Push([]byte("cd"))
	r.Push([]byte("ef"))
	r.Push([]byte("gh"))
	assert.Equal(t, []byte("cdefgh"), r.Snapshot())
}

func TestBuffer_SingleOversizedPush(t *testing.T) {
	r := New(4)
	r.Push([]byte("abcdefgh")) // only trailing 4 bytes retained
	assert.Equal(t, []byte("efgh"), r.Snapshot())
}

func TestBuffer_Clear(t *testing.T) {
	r := New(8)
	r.Push([]byte("abcdefgh"))
	r.Clear()
	assert.Empty(t, r.Snapshot())
	r.Push([]byte("xy"))
	assert.Equal(t, []byte("xy"), r.Snapshot())
}

func TestBuffer_LenNeverExceedsCapacity(t *testing.T) {
	r := New(4)
	for i := 0; i < 100; i++ {
		r.Push(bytes.Repeat([]byte{'x'}, 3))
		require.LessOrEqual(t, r.Len(), 4)
	}
}

func TestBuffer_ZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}

// property-style check: snapshot always equals the last min(total, cap)
// bytes of the concatenated input, in order.
func TestBuffer_PropertySuffixMatches(t *testing.T) {
	r := New(10)
	var all []byte
	chunks := [][]byte{
		[]byte("abc"), []byte("defgh"), []byte("ijklmno"), []byte("pq"), []byte("rstuvwxyz"),
	}
	for _, c := range chunks {
		r.Push(c)
		all = append(all, c...)

		want := all
		if len(want) > 10 {
			want = want[len(want)-10:]
		}
		assert.Equal(t, want, r.Snapshot())
	}
}
