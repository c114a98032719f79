package ledger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordIsIdempotent(t *testing.T) {
	l := New()
	added, size := l.Record("r1", "w1")
	assert.True(t, added)
	assert.Equal(t, 1, size)

	added, size = l.Record("r1", "w1")
	assert.False(t, added)
	assert.Equal(t, 1, size)
	assert.False(t, l.IsEligible("r1", "w1"))
	assert.True(t, l.IsEligible("r1", "w2"))
	assert.True(t, l.IsEligible("r2", "w1"))
}

func TestResetRestoresEligibility(t *testing.T) {
	l := New()
	l.Record("r1", "w1")
	l.Reset("r1")
	assert.True(t, l.IsEligible("r1", "w1"))
	assert.Zero(t, l.Size("r1"))
}

func TestSyncFollowsNewerVersions(t *testing.T) {
	l := New()
	assert.True(t, l.Sync("r1", 2, []string{"w1"}))
	assert.True(t, l.Sync("r1", 3, []string{"w1", "w2"}))
	assert.Equal(t, 2, l.Size("r1"))
	assert.False(t, l.IsEligible("r1", "w2"))

	// a retry commits an empty set at a later version
	assert.True(t, l.Sync("r1", 5, nil))
	assert.True(t, l.IsEligible("r1", "w1"))
	assert.True(t, l.IsEligible("r1", "w2"))
	assert.Equal(t, int64(5), l.Version("r1"))
}

func TestSyncIgnoresStaleSnapshots(t *testing.T) {
	l := New()
	l.Sync("r1", 4, nil)
	assert.False(t, l.Sync("r1", 2, []string{"w1"}))
	assert.True(t, l.IsEligible("r1", "w1"))
	assert.Equal(t, int64(4), l.Version("r1"))
}

func TestSyncSameVersionMerges(t *testing.T) {
	l := New()
	l.Sync("r1", 2, []string{"w1"})
	l.Record("r1", "w2")
	assert.False(t, l.Sync("r1", 2, []string{"w1"}))
	assert.True(t, l.Sync("r1", 2, []string{"w3"}))
	assert.Equal(t, 3, l.Size("r1"))
}

func TestConcurrentRecords(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(fmt.Sprintf("r%d", i%4), fmt.Sprintf("w%d", i%25))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		assert.LessOrEqual(t, l.Size(fmt.Sprintf("r%d", i)), 25)
	}
	total := 0
	for i := 0; i < 4; i++ {
		total += l.Size(fmt.Sprintf("r%d", i))
	}
	assert.Equal(t, 100, total)
}
