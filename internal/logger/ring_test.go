package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRingKeepsNewestFirst(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}

	lines := r.Lines()
	assert.Equal(t, []string{"line 5", "line 4", "line 3"}, lines)
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(0)
	assert.Empty(t, r.Lines())
}

func TestWithRingCapturesInfoAndAbove(t *testing.T) {
	r := NewRing(DefaultRingSize)
	log := WithRing(zap.NewNop(), r).With(zap.String("symbol", "BTC/USDT"))

	log.Debug("hidden")
	log.Info("placed order", zap.Float64("price", 90400))
	log.Warn("cancel failed")

	lines := r.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "WARN cancel failed")
	assert.Contains(t, lines[0], "symbol=BTC/USDT")
	assert.Contains(t, lines[1], "placed order")
	assert.Contains(t, lines[1], "price=90400")
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\] `, lines[1])
}

func TestRingCoreLevel(t *testing.T) {
	r := NewRing(10)
	core := r.Core(zapcore.ErrorLevel)
	assert.False(t, core.Enabled(zapcore.WarnLevel))
	assert.True(t, core.Enabled(zapcore.ErrorLevel))
}
