package rpc

import "fmt"

// Type is the wire type of a Value.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeUInt32
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeBinary
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUInt32:
		return "uint32"
	case TypeUInt64:
		return "uint64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is a single typed argument or return value.
// Only the field matching Type is meaningful.
type Value struct {
	Type Type

	Bool bool    `json:",omitempty"`
	I64  int64   `json:",omitempty"`
	U64  uint64  `json:",omitempty"`
	F64  float64 `json:",omitempty"`
	Str  string  `json:",omitempty"`
	Bin  []byte  `json:",omitempty"`
}

func Null() Value               { return Value{Type: TypeNull} }
func Bool(b bool) Value         { return Value{Type: TypeBool, Bool: b} }
func Int32(i int32) Value       { return Value{Type: TypeInt32, I64: int64(i)} }
func Int64(i int64) Value       { return Value{Type: TypeInt64, I64: i} }
func UInt32(u uint32) Value     { return Value{Type: TypeUInt32, U64: uint64(u)} }
func UInt64(u uint64) Value     { return Value{Type: TypeUInt64, U64: u} }
func Float(f float32) Value     { return Value{Type: TypeFloat, F64: float64(f)} }
func Double(f float64) Value    { return Value{Type: TypeDouble, F64: f} }
func String(s string) Value     { return Value{Type: TypeString, Str: s} }
func Binary(b []byte) Value     { return Value{Type: TypeBinary, Bin: b} }
func Code(code ErrorCode) Value { return UInt64(uint64(code)) }

func (v Value) AsInt32() int32    { return int32(v.I64) }
func (v Value) AsUInt32() uint32  { return uint32(v.U64) }
func (v Value) AsFloat() float32  { return float32(v.F64) }
func (v Value) AsCode() ErrorCode { return ErrorCode(v.U64) }
func (v Value) String() string    { return fmt.Sprintf("%s(%v)", v.Type, v.raw()) }
func (v Value) Is(t Type) bool    { return v.Type == t }
func (v Value) IsNull() bool      { return v.Type == TypeNull }

func (v Value) raw() interface{} {
	switch v.Type {
	case TypeBool:
		return v.Bool
	case TypeInt32, TypeInt64:
		return v.I64
	case TypeUInt32, TypeUInt64:
		return v.U64
	case TypeFloat, TypeDouble:
		return v.F64
	case TypeString:
		return v.Str
	case TypeBinary:
		return v.Bin
	default:
		return nil
	}
}

// ErrorCode is the first value of every result. Ok is the only success sentinel.
type ErrorCode uint64

const (
	Ok ErrorCode = iota
	Error
	NotFound
	OutOfBounds
	InvalidReference
	CriticalError
	TypeMismatch
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "Ok"
	case Error:
		return "Error"
	case NotFound:
		return "NotFound"
	case OutOfBounds:
		return "OutOfBounds"
	case InvalidReference:
		return "InvalidReference"
	case CriticalError:
		return "CriticalError"
	case TypeMismatch:
		return "TypeMismatch"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint64(c))
	}
}

// Envelope is a call message, sent client->server.
// An envelope is never modified after it is sent.
type Envelope struct {
	ID         string
	Collection string
	Function   string
	Args       []Value

	// Oneway envelopes are dispatched but the server sends no result for them.
	Oneway bool `json:",omitempty"`
}

// Result is a response message, sent server->client.
// Values[0] is the error code, the rest is the payload.
type Result struct {
	ID     string
	Values []Value
}

// OkResult builds result values with an Ok code followed by the payload.
func OkResult(payload ...Value) []Value {
	return append([]Value{Code(Ok)}, payload...)
}

// ErrorResult builds result values for a failed call. The message is omitted when empty.
func ErrorResult(code ErrorCode, msg string) []Value {
	if msg == "" {
		return []Value{Code(code)}
	}
	return []Value{Code(code), String(msg)}
}
