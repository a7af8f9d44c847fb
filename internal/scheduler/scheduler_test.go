package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresAtDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired int32
	s.Schedule("t1", time.Now().Add(20*time.Millisecond), func() { atomic.StoreInt32(&fired, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired int32
	s.Schedule("t1", time.Now().Add(30*time.Millisecond), func() { atomic.StoreInt32(&fired, 1) })
	s.Cancel("t1")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestScheduleReplacesExistingDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var calls int32
	s.Schedule("t1", time.Now().Add(20*time.Millisecond), func() { atomic.AddInt32(&calls, 1) })
	s.Schedule("t1", time.Now().Add(40*time.Millisecond), func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMultipleTasksFireInDeadlineOrder(t *testing.T) {
	s := New()
	defer s.Stop()

	var order []string
	done := make(chan struct{}, 2)
	s.Schedule("second", time.Now().Add(60*time.Millisecond), func() {
		order = append(order, "second")
		done <- struct{}{}
	})
	s.Schedule("first", time.Now().Add(20*time.Millisecond), func() {
		order = append(order, "first")
		done <- struct{}{}
	})

	<-done
	<-done
	require.Equal(t, []string{"first", "second"}, order)
}
