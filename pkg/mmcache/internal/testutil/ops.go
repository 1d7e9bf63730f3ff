package testutil

import (
	"fmt"
	"time"
)

// Operation is one step applied to both the model and the real store.
type Operation interface {
	Name() string
	String() string
}

type OpPut struct {
	Key   []byte
	Value []byte
}

type OpPutTTL struct {
	Key   []byte
	Value []byte
	TTL   time.Duration
}

type OpGet struct{ Key []byte }

type OpPeek struct{ Key []byte }

type OpDelete struct{ Key []byte }

// OpAdvance moves the shared clock forward.
type OpAdvance struct{ By time.Duration }

// OpReopen closes the handle and opens a new one on the same files.
type OpReopen struct{}

func (OpPut) Name() string     { return "Put" }
func (OpPutTTL) Name() string  { return "PutTTL" }
func (OpGet) Name() string     { return "Get" }
func (OpPeek) Name() string    { return "Peek" }
func (OpDelete) Name() string  { return "Delete" }
func (OpAdvance) Name() string { return "Advance" }
func (OpReopen) Name() string  { return "Reopen" }

func (o OpPut) String() string { return fmt.Sprintf("Put(%q, %d bytes)", o.Key, len(o.Value)) }

func (o OpPutTTL) String() string {
	return fmt.Sprintf("PutTTL(%q, %d bytes, %s)", o.Key, len(o.Value), o.TTL)
}

func (o OpGet) String() string     { return fmt.Sprintf("Get(%q)", o.Key) }
func (o OpPeek) String() string    { return fmt.Sprintf("Peek(%q)", o.Key) }
func (o OpDelete) String() string  { return fmt.Sprintf("Delete(%q)", o.Key) }
func (o OpAdvance) String() string { return fmt.Sprintf("Advance(%s)", o.By) }
func (OpReopen) String() string    { return "Reopen()" }

// Result is what an operation returned. Value is nil for operations that
// return only an error.
type Result struct {
	Value []byte
	Err   error
}
