// Package block defines the unit of data exchanged between operators and
// across mailboxes: a tagged variant of rows+schema, error, or end-of-stream.
package block

import "fmt"

// Kind discriminates the three block variants.
type Kind int

const (
	KindData Kind = iota
	KindError
	KindEndOfStream
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindError:
		return "error"
	case KindEndOfStream:
		return "eos"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error codes carried by error blocks.
const (
	CodeUnknown          = 100
	CodeQueryExecution   = 200
	CodeExecutionTimeout = 250
)

// ColumnType enumerates the value types a column may hold.
type ColumnType int

const (
	TypeInt64 ColumnType = iota
	TypeFloat64
	TypeString
	TypeBool
	TypeTimestamp
	TypeBytes
)

// ColumnDesc describes one column of a data block.
type ColumnDesc struct {
	Name string
	Type ColumnType
}

// Schema is the ordered column layout of a data block.
type Schema []ColumnDesc

// Block is the unit of data flowing between operators. A block is immutable
// once produced and must not be mutated in transit.
type Block struct {
	kind Kind

	// Data variant.
	rows   [][]any
	schema Schema
	// Exceptions annotates a data block with per-partition failures that were
	// recovered locally and must not abort the stage. Keyed by error code.
	exceptions map[int]string

	// Error variant.
	code    int
	message string

	// EndOfStream variant.
	stats map[string]string
}

// NewData returns a data block holding rows laid out according to schema.
func NewData(schema Schema, rows [][]any) *Block {
	return &Block{kind: KindData, rows: rows, schema: schema}
}

// NewDataWithExceptions returns a data block annotated with recovered,
// partition-local failures.
func NewDataWithExceptions(schema Schema, rows [][]any, exceptions map[int]string) *Block {
	return &Block{kind: KindData, rows: rows, schema: schema, exceptions: exceptions}
}

// NewError returns a terminal error block.
func NewError(code int, message string) *Block {
	return &Block{kind: KindError, code: code, message: message}
}

// NewErrorf returns a terminal error block with a formatted message.
func NewErrorf(code int, format string, args ...any) *Block {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewEndOfStream returns a terminal end-of-stream block carrying execution
// stats.
func NewEndOfStream(stats map[string]string) *Block {
	return &Block{kind: KindEndOfStream, stats: stats}
}

func (b *Block) Kind() Kind { return b.kind }

func (b *Block) IsData() bool        { return b.kind == KindData }
func (b *Block) IsError() bool       { return b.kind == KindError }
func (b *Block) IsEndOfStream() bool { return b.kind == KindEndOfStream }

// IsTerminal reports whether the block ends its stream. Both error and
// end-of-stream blocks are terminal; nothing may be sent after either.
func (b *Block) IsTerminal() bool { return b.kind != KindData }

func (b *Block) Rows() [][]any             { return b.rows }
func (b *Block) Schema() Schema            { return b.schema }
func (b *Block) Exceptions() map[int]string { return b.exceptions }
func (b *Block) NumRows() int              { return len(b.rows) }

// ErrorCode returns the code of an error block, or 0 for other kinds.
func (b *Block) ErrorCode() int { return b.code }

// ErrorMessage returns the message of an error block.
func (b *Block) ErrorMessage() string { return b.message }

// Stats returns the stats of an end-of-stream block.
func (b *Block) Stats() map[string]string { return b.stats }

func (b *Block) String() string {
	switch b.kind {
	case KindData:
		return fmt.Sprintf("data(rows=%d, cols=%d)", len(b.rows), len(b.schema))
	case KindError:
		return fmt.Sprintf("error(code=%d, %q)", b.code, b.message)
	default:
		return "eos"
	}
}
