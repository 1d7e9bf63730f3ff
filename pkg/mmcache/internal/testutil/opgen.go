package testutil

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// MaxValueLen keeps entries in the smaller size classes.
	MaxValueLen = 200

	maxKeyLen = 12
)

// OpGenerator decodes operations from a byte stream. An exhausted stream
// yields zero bytes, so every input decodes to some valid sequence.
type OpGenerator struct {
	data []byte
	pos  int
	seen [][]byte
}

// NewOpGenerator returns a generator reading from data.
func NewOpGenerator(data []byte) *OpGenerator {
	return &OpGenerator{data: data}
}

// HasMore reports whether unread input remains.
func (g *OpGenerator) HasMore() bool { return g.pos < len(g.data) }

func (g *OpGenerator) nextByte() byte {
	if g.pos >= len(g.data) {
		return 0
	}

	b := g.data[g.pos]
	g.pos++

	return b
}

func (g *OpGenerator) nextUint16() uint16 {
	var buf [2]byte

	buf[0] = g.nextByte()
	buf[1] = g.nextByte()

	return binary.LittleEndian.Uint16(buf[:])
}

// key reuses a key seen before most of the time so that gets and deletes
// hit; otherwise it makes a fresh one. Length 0 tests argument checks.
func (g *OpGenerator) key() []byte {
	sel := g.nextByte()

	if len(g.seen) > 0 && sel < 192 {
		return g.seen[int(g.nextByte())%len(g.seen)]
	}

	if sel == 0xFF {
		return []byte{}
	}

	n := 1 + int(g.nextByte())%maxKeyLen
	key := make([]byte, n)

	for i := range key {
		key[i] = 'a' + g.nextByte()%26
	}

	return key
}

func (g *OpGenerator) value() []byte {
	n := int(g.nextByte()) % (MaxValueLen + 1)
	fill := g.nextByte()

	value := make([]byte, n)
	for i := range value {
		value[i] = fill + byte(i)
	}

	return value
}

// Next decodes the next operation.
func (g *OpGenerator) Next() Operation {
	switch sel := g.nextByte() % 100; {
	case sel < 30:
		return g.remember(OpPut{Key: g.key(), Value: g.value()})
	case sel < 42:
		key, value := g.key(), g.value()
		ttl := time.Duration(g.nextUint16()%5000) * time.Millisecond

		return g.remember(OpPutTTL{Key: key, Value: value, TTL: ttl})
	case sel < 67:
		return OpGet{Key: g.key()}
	case sel < 77:
		return OpPeek{Key: g.key()}
	case sel < 89:
		return OpDelete{Key: g.key()}
	case sel < 97:
		return OpAdvance{By: time.Duration(1+g.nextByte()%4) * time.Second}
	default:
		return OpReopen{}
	}
}

func (g *OpGenerator) remember(op Operation) Operation {
	var key []byte

	switch o := op.(type) {
	case OpPut:
		key = o.Key
	case OpPutTTL:
		key = o.Key
	default:
		panic(fmt.Sprintf("remember: unexpected %T", op))
	}

	if len(key) == 0 || len(g.seen) >= 64 {
		return op
	}

	for _, k := range g.seen {
		if string(k) == string(key) {
			return op
		}
	}

	g.seen = append(g.seen, key)

	return op
}
