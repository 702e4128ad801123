package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickMinuteKeyRoutesByEventTimestamp(t *testing.T) {
	loc := seoul(t)
	// 09:30:59.900 belongs to 09:30, 09:31:00.050 to 09:31.
	early := Tick{Symbol: "005930", At: time.Date(2026, 3, 2, 9, 30, 59, 900_000_000, loc)}
	late := Tick{Symbol: "005930", At: time.Date(2026, 3, 2, 9, 31, 0, 50_000_000, loc)}

	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, loc), early.MinuteKey(loc).Minute)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 31, 0, 0, loc), late.MinuteKey(loc).Minute)
}
