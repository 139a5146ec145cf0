package egress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewViolationLimiter(t *testing.T) {
	vl := NewViolationLimiter(5, time.Minute, 5*time.Minute)
	defer vl.Close()

	require.NotNil(t, vl)
	assert.Equal(t, 5, vl.maxViolations)
	assert.Equal(t, time.Minute, vl.window)
	assert.Equal(t, 5*time.Minute, vl.blockDuration)
	assert.NotNil(t, vl.clients)
}

func TestRecordViolation(t *testing.T) {
	vl := NewViolationLimiter(3, time.Minute, 5*time.Minute)
	defer vl.Close()

	client := "192.168.1.1"

	// The first maxViolations are tolerated
	for i := 0; i < 3; i++ {
		assert.False(t, vl.RecordViolation(client), "violation %d should not block", i+1)
	}
	assert.False(t, vl.IsBlocked(client))

	assert.True(t, vl.RecordViolation(client))
	assert.True(t, vl.IsBlocked(client))
	assert.Equal(t, 4, vl.Violations(client))
}

func TestViolationBlockExpiration(t *testing.T) {
	vl := NewViolationLimiter(1, time.Minute, 100*time.Millisecond)
	defer vl.Close()

	client := "192.168.1.1"

	vl.RecordViolation(client)
	require.True(t, vl.RecordViolation(client))
	assert.True(t, vl.IsBlocked(client))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, vl.IsBlocked(client))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, vl.IsBlocked(client))
}

func TestViolationReset(t *testing.T) {
	vl := NewViolationLimiter(1, time.Minute, 5*time.Minute)
	defer vl.Close()

	client := "192.168.1.1"
	vl.RecordViolation(client)
	vl.RecordViolation(client)
	require.True(t, vl.IsBlocked(client))

	vl.Reset(client)

	assert.False(t, vl.IsBlocked(client))
	assert.Equal(t, 0, vl.Violations(client))
}

func TestViolationCleanup(t *testing.T) {
	vl := NewViolationLimiter(1, time.Minute, 5*time.Minute)
	defer vl.Close()

	vl.RecordViolation("10.0.0.1")
	vl.RecordViolation("10.0.0.2")
	vl.RecordViolation("10.0.0.2")
	require.True(t, vl.IsBlocked("10.0.0.2"))

	// Idle but still blocked clients survive
	vl.cleanup(time.Now().Add(2 * time.Minute))

	vl.mu.RLock()
	_, idle := vl.clients["10.0.0.1"]
	_, blocked := vl.clients["10.0.0.2"]
	vl.mu.RUnlock()
	assert.False(t, idle)
	assert.True(t, blocked)

	vl.cleanup(time.Now().Add(10 * time.Minute))

	vl.mu.RLock()
	_, blocked = vl.clients["10.0.0.2"]
	vl.mu.RUnlock()
	assert.False(t, blocked)
}

func TestViolationMultipleClients(t *testing.T) {
	vl := NewViolationLimiter(1, time.Minute, 5*time.Minute)
	defer vl.Close()

	vl.RecordViolation("10.0.0.1")
	vl.RecordViolation("10.0.0.1")

	assert.True(t, vl.IsBlocked("10.0.0.1"))
	assert.False(t, vl.IsBlocked("10.0.0.2"))

	assert.False(t, vl.RecordViolation("10.0.0.2"))
	assert.False(t, vl.IsBlocked("10.0.0.2"))
}

func TestViolationConcurrentAccess(t *testing.T) {
	vl := NewViolationLimiter(10, time.Minute, 5*time.Minute)
	defer vl.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				vl.RecordViolation("192.168.1.1")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				vl.IsBlocked("192.168.1.1")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				vl.Reset("192.168.1.1")
			}
		}()
	}
	wg.Wait()
}

func TestViolationClose(t *testing.T) {
	vl := NewViolationLimiter(5, time.Minute, 5*time.Minute)

	done := make(chan struct{})
	go func() {
		vl.Close()
		vl.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Close() did not complete in reasonable time")
	}
}
