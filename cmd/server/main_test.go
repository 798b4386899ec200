package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockTTLOutlivesRecordTimeout(t *testing.T) {
	for _, d := range []time.Duration{time.Second, 15 * time.Second, time.Minute} {
		assert.Greater(t, lockTTL(d), d)
	}
}
