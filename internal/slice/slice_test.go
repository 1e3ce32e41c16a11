package slice

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestEnumerate(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "part-0001.csv", 10)
	b := writeFile(t, dir, "part-0000.csv", 0)
	c := writeFile(t, dir, "part-0002.csv", 5)

	slices, total, err := Enumerate([]string{a, b, c})
	require.NoError(t, err)
	require.Len(t, slices, 3)

	// Input order is preserved, not sorted.
	assert.Equal(t, "part-0001.csv", slices[0].Name)
	assert.Equal(t, "part-0000.csv", slices[1].Name)
	assert.Equal(t, "part-0002.csv", slices[2].Name)
	assert.Equal(t, int64(15), total)
	assert.True(t, slices[1].Empty())
	assert.False(t, slices[0].Empty())
}

func TestEnumerate_Missing(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", 1)

	_, _, err := Enumerate([]string{a, filepath.Join(dir, "missing.csv")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReadable)
	assert.Contains(t, err.Error(), "missing.csv")
}

func TestEnumerate_DuplicateName(t *testing.T) {
	a := writeFile(t, t.TempDir(), "x.csv", 1)
	b := writeFile(t, t.TempDir(), "x.csv", 2)

	_, _, err := Enumerate([]string{a, b})
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.NotErrorIs(t, err, ErrNotReadable)
	assert.Contains(t, err.Error(), `"x.csv"`)
}

func TestStat_Directory(t *testing.T) {
	_, err := Stat(t.TempDir())
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestStat_Unreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of mode")
	}
	dir := t.TempDir()
	p := writeFile(t, dir, "locked.csv", 3)
	require.NoError(t, os.Chmod(p, 0000))

	_, err := Stat(p)
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestSliceKey(t *testing.T) {
	s := Slice{Name: "part-0001.csv"}
	assert.Equal(t, "exp-15/123.orders/part-0001.csv", s.Key("exp-15/123.orders/"))
	assert.Equal(t, "part-0001.csv", s.Key(""))
}

func TestBatches(t *testing.T) {
	mk := func(n int) []Slice {
		out := make([]Slice, n)
		for i := range out {
			out[i] = Slice{Name: string(rune('a' + i%26))}
		}
		return out
	}

	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 50, nil},
		{"exact", 100, 50, []int{50, 50}},
		{"remainder", 101, 50, []int{50, 50, 1}},
		{"smaller than batch", 3, 50, []int{3}},
		{"batch of one", 3, 1, []int{1, 1, 1}},
		{"non-positive size", 4, 0, []int{4}},
		{"example", 3, 2, []int{2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slices := mk(tt.n)
			batches := Batches(slices, tt.size)
			require.Len(t, batches, len(tt.sizes))

			var flat []Slice
			for i, b := range batches {
				assert.Len(t, b, tt.sizes[i])
				flat = append(flat, b...)
			}
			if tt.n > 0 {
				assert.Equal(t, slices, flat)
			}
		})
	}
}

func TestBatches_IsolatedCapacity(t *testing.T) {
	slices := []Slice{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	batches := Batches(slices, 2)

	// Appending to a batch must not clobber the next one.
	_ = append(batches[0], Slice{Name: "x"})
	assert.Equal(t, "c", batches[1][0].Name)
}
