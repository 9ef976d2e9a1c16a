// Package scan defines the contract of the external single-node scan
// executor that answers leaf-stage partition requests. Its implementation
// lives with the storage layer; the runtime only invokes it, always from a
// shared pool thread, and converts failures into per-partition responses.
package scan

import (
	"context"
	"time"

	"github.com/quercusdb/quercus/pkg/query/block"
)

// Request asks for one storage partition of one table to be scanned on
// behalf of a query.
type Request struct {
	RequestID    uint64
	Table        string
	Partition    int32
	Deadline     time.Time
	TraceEnabled bool
}

// Response carries the rows of one partition scan, or the failures that
// occurred while producing them. Exceptions is keyed by error code.
type Response struct {
	Schema     block.Schema
	Rows       [][]any
	Exceptions map[int]string
}

// Executor executes a single partition scan. A returned error is recovered
// by the caller into that partition's response; it never aborts the stage.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ErrorResponse encodes a failure as a rowless response, mirroring what a
// well-behaved executor reports through Exceptions itself.
func ErrorResponse(code int, err error) *Response {
	return &Response{Exceptions: map[int]string{code: err.Error()}}
}

// Unavailable is an Executor for deployments without a wired storage layer;
// every request fails with a per-partition execution exception.
type Unavailable struct{}

func (Unavailable) Execute(_ context.Context, req *Request) (*Response, error) {
	return &Response{Exceptions: map[int]string{
		block.CodeQueryExecution: "no scan executor configured for table " + req.Table,
	}}, nil
}
