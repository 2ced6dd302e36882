package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// DefaultRingSize 状态页保留的日志条数
const DefaultRingSize = 200

// Ring 是一个定长日志缓冲区, 供状态页读取最近的日志
type Ring struct {
	mu    sync.Mutex
	lines []string
	start int
	n     int
}

// NewRing 创建容量为 capacity 的 Ring
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append 写入一行, 满了覆盖最旧的一条
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.n) % len(r.lines)
	r.lines[idx] = line
	if r.n < len(r.lines) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.lines)
	}
}

// Lines 返回日志副本, 最新的在前
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.n)
	for i := r.n - 1; i >= 0; i-- {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}

// Core 返回写入该 Ring 的 zapcore.Core
func (r *Ring) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: level, ring: r}
}

type ringCore struct {
	zapcore.LevelEnabler
	ring   *Ring
	fields []zapcore.Field
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ent.Time.Format("15:04:05"))
	b.WriteString("] ")
	if ent.Level >= zapcore.WarnLevel {
		b.WriteString(ent.Level.CapitalString())
		b.WriteString(" ")
	}
	b.WriteString(ent.Message)

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
	}

	c.ring.Append(b.String())
	return nil
}

func (c *ringCore) Sync() error { return nil }
