package log

import "time"

// Field is a single structured context value.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a field from an arbitrary value.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Str builds a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// I64 builds an int64 field.
func I64(key string, value int64) Field { return Field{Key: key, Value: value} }

// U64 builds a uint64 field.
func U64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Dur builds a duration field.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Err builds an error field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Component tags entries with the emitting component's name.
func Component(name string) Field { return Field{Key: "component", Value: name} }
