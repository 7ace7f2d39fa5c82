package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepAverage(t *testing.T) {
	p := New(2)
	require.Equal(t, 2, p.NumReplicas())

	p.AddSample(0, CacheCopyTime, 10*time.Millisecond)
	p.AddSample(0, CacheCopyTime, 30*time.Millisecond)
	p.AddSample(1, CacheCopyTime, 20*time.Millisecond)

	st := p.StepAverage(CacheCopyTime)
	require.Equal(t, int64(3), st.Count)
	require.Equal(t, 20*time.Millisecond, st.Avg)
	require.Equal(t, 30*time.Millisecond, st.Max)
}

func TestOutOfRangeReplicaDropped(t *testing.T) {
	p := New(1)
	p.AddSample(-1, CacheCopyTime, time.Second)
	p.AddSample(5, CacheCopyTime, time.Second)

	require.Equal(t, int64(0), p.StepAverage(CacheCopyTime).Count)
}

func TestCounters(t *testing.T) {
	p := New(2)
	p.AddSample(0, "b", time.Millisecond)
	p.AddSample(1, "a", time.Millisecond)

	require.Equal(t, []string{"a", "b"}, p.Counters())
}

func TestReportStepAverage(t *testing.T) {
	p := New(1)
	require.Empty(t, p.ReportStepAverage())

	p.AddSample(0, CacheCopyTime, time.Millisecond)
	report := p.ReportStepAverage()
	require.Contains(t, report, CacheCopyTime)
	require.Contains(t, report, "samples=1")
}

func TestConcurrentRecording(t *testing.T) {
	p := New(4)

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				p.AddSample(r, CacheCopyTime, time.Microsecond)
			}
		}(r)
	}
	wg.Wait()

	require.Equal(t, int64(4000), p.StepAverage(CacheCopyTime).Count)
}

func TestZeroReplicasDefaultsToOne(t *testing.T) {
	p := New(0)
	require.Equal(t, 1, p.NumReplicas())
}
