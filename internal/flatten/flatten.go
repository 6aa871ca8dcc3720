// Package flatten turns a nested record into a single-level Row whose keys are
// the member paths joined by a delimiter.
package flatten

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/record"
)

const (
	DefaultDelimiter    = "__"
	DefaultContextField = "local_context_data"
)

var (
	ErrKeyCollision  = errors.New("flattened key collision")
	ErrContextEncode = errors.New("context data cannot be encoded")
	ErrNotNested     = errors.New("value is not a mapping or sequence")
)

// Flattener holds the flattening rules. The zero value uses the defaults.
//
// Rules, in precedence order:
//   - a member named ContextField holding a nested value is stored as one
//     JSON string and not descended into
//   - a nested member (mapping, or sequence keyed by decimal index) recurses
//     with its key and Delimiter appended to the prefix
//   - a scalar member, null included, is stored under prefix+key
//
// When two paths produce the same key the later value wins. Each overwrite is
// logged and counted; with Strict set it is returned as ErrKeyCollision.
type Flattener struct {
	Delimiter    string
	ContextField string
	Strict       bool
	Log          *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Flattener {
	return &Flattener{Delimiter: DefaultDelimiter, ContextField: DefaultContextField, Log: log}
}

func (f *Flattener) delimiter() string {
	if f.Delimiter == "" {
		return DefaultDelimiter
	}
	return f.Delimiter
}

func (f *Flattener) contextField() string {
	if f.ContextField == "" {
		return DefaultContextField
	}
	return f.ContextField
}

func (f *Flattener) log() *zap.SugaredLogger {
	if f.Log == nil {
		return zap.NewNop().Sugar()
	}
	return f.Log
}

// Flatten flattens v, which must be a mapping or a sequence, prefixing every
// produced key with prefix.
func (f *Flattener) Flatten(prefix string, v record.Value) (record.Row, error) {
	row := make(record.Row)
	if err := f.into(row, prefix, v); err != nil {
		return nil, err
	}
	return row, nil
}

// Merge copies src into dst under the same collision rules as Flatten. Keys
// are merged in sorted order so a collision is reported deterministically.
func (f *Flattener) Merge(dst, src record.Row) error {
	for _, k := range src.Keys() {
		if err := f.put(dst, k, src[k]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flattener) into(row record.Row, prefix string, v record.Value) error {
	switch v.Kind() {
	case record.KindMapping:
		m, _ := v.AsMapping()
		var err error
		m.Range(func(key string, member record.Value) bool {
			err = f.member(row, prefix, key, member)
			return err == nil
		})
		return err
	case record.KindSequence:
		seq, _ := v.AsSequence()
		for i, member := range seq {
			if err := f.member(row, prefix, strconv.Itoa(i), member); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s at %q", ErrNotNested, v.Kind(), prefix)
	}
}

func (f *Flattener) member(row record.Row, prefix, key string, v record.Value) error {
	flat := prefix + key
	if !v.IsNested() {
		return f.put(row, flat, v)
	}
	if key == f.contextField() {
		b, err := v.MarshalJSON()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrContextEncode, flat, err)
		}
		return f.put(row, flat, record.String(string(b)))
	}
	return f.into(row, flat+f.delimiter(), v)
}

func (f *Flattener) put(row record.Row, key string, v record.Value) error {
	if _, exists := row[key]; exists {
		metrics.FlattenCollisions.Inc()
		if f.Strict {
			return fmt.Errorf("%w: %s", ErrKeyCollision, key)
		}
		f.log().Warnw("flattened key overwritten", "key", key)
	}
	row[key] = v
	return nil
}
