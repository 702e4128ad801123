package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskNaturalKeyIgnoresID(t *testing.T) {
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	a := &VerificationTask{ID: "a", Kind: KindRealtime, Symbol: "005930", Minute: minute}
	b := &VerificationTask{ID: "b", Kind: KindRealtime, Symbol: "005930", Minute: minute}

	assert.Equal(t, a.NaturalKey(), b.NaturalKey())
}

func TestTaskNaturalKeyVariesByKindSymbolTarget(t *testing.T) {
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	base := &VerificationTask{Kind: KindRealtime, Symbol: "005930", Minute: minute}

	otherKind := &VerificationTask{Kind: KindRecovery, Symbol: "005930", Minute: minute}
	otherSymbol := &VerificationTask{Kind: KindRealtime, Symbol: "000660", Minute: minute}
	otherMinute := &VerificationTask{Kind: KindRealtime, Symbol: "005930", Minute: minute.Add(time.Minute)}

	assert.NotEqual(t, base.NaturalKey(), otherKind.NaturalKey())
	assert.NotEqual(t, base.NaturalKey(), otherSymbol.NaturalKey())
	assert.NotEqual(t, base.NaturalKey(), otherMinute.NaturalKey())
}

func TestTaskTarget(t *testing.T) {
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	realtime := &VerificationTask{Kind: KindRealtime, Minute: minute}
	assert.Equal(t, "2026-03-02T09:30", realtime.Target())
	assert.False(t, realtime.IsBatch())

	daily := &VerificationTask{Kind: KindDailyBatch, Date: "2026-03-02"}
	assert.Equal(t, "2026-03-02", daily.Target())
	assert.True(t, daily.IsBatch())
}

func TestTaskValidate(t *testing.T) {
	symbols := map[string]struct{}{"005930": {}}
	minute := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	valid := &VerificationTask{ID: "t1", Kind: KindRealtime, Symbol: "005930", Minute: minute}
	assert.NoError(t, valid.Validate(symbols))

	cases := map[string]*VerificationTask{
		"unknown kind":   {ID: "t2", Kind: "nope", Symbol: "005930", Minute: minute},
		"empty symbol":   {ID: "t3", Kind: KindRealtime, Minute: minute},
		"unknown symbol": {ID: "t4", Kind: KindRealtime, Symbol: "999999", Minute: minute},
		"no target":      {ID: "t5", Kind: KindRealtime, Symbol: "005930"},
		"bad date":       {ID: "t6", Kind: KindDailyBatch, Symbol: "005930", Date: "02-03-2026"},
	}
	for name, task := range cases {
		err := task.Validate(symbols)
		assert.ErrorIs(t, err, ErrContractViolation, name)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassContract, Classify(ErrContractViolation))
	assert.Equal(t, ClassData, Classify(ErrEmptyTicks))
	assert.Equal(t, ClassTransient, Classify(ErrRateLimited))
	assert.Equal(t, ClassTransient, Classify(ErrHubUnavailable))
	assert.Equal(t, ClassInternal, Classify(assert.AnError))
}
