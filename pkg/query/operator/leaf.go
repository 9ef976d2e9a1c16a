package operator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/scan"
)

// LeafScanOperator answers a leaf stage by executing one externally-resolved
// scan request per storage partition against the single-node scan executor.
// Each partition's outcome is independent: a failed scan becomes an
// error-annotated data block for that partition only and the stage still
// reaches end-of-stream. The executor runs synchronously on the calling pool
// thread, so its concurrency is bounded by the shared worker pool.
type LeafScanOperator struct {
	ec       *ExecContext
	executor scan.Executor
	requests []*scan.Request

	idx  int
	done *block.Block

	partitionErrors int
}

func NewLeafScanOperator(ec *ExecContext, executor scan.Executor, requests []*scan.Request) *LeafScanOperator {
	return &LeafScanOperator{ec: ec, executor: executor, requests: requests}
}

func (o *LeafScanOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	if o.done != nil {
		return o.done, nil
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if o.ec.DeadlineExceeded() {
		o.done = o.ec.TimeoutBlock()
		return o.done, nil
	}

	if o.idx >= len(o.requests) {
		o.done = block.NewEndOfStream(map[string]string{
			"partitionsScanned": strconv.Itoa(len(o.requests)),
			"partitionErrors":   strconv.Itoa(o.partitionErrors),
		})
		return o.done, nil
	}

	req := o.requests[o.idx]
	o.idx++

	resp := o.execute(ctx, req)
	if len(resp.Exceptions) > 0 {
		o.partitionErrors++
		level.Warn(o.ec.Logger).Log("msg", "partition scan failed", "table", req.Table,
			"partition", req.Partition, "errors", len(resp.Exceptions))
	}
	return block.NewDataWithExceptions(resp.Schema, resp.Rows, resp.Exceptions), nil
}

// execute never lets a scan failure escape as a fault: errors and panics are
// encoded into the partition's response.
func (o *LeafScanOperator) execute(ctx context.Context, req *scan.Request) (resp *scan.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = scan.ErrorResponse(block.CodeQueryExecution, fmt.Errorf("scan panic: %v", r))
		}
	}()

	resp, err := o.executor.Execute(ctx, req)
	if err != nil {
		return scan.ErrorResponse(block.CodeQueryExecution, err)
	}
	if resp == nil {
		return scan.ErrorResponse(block.CodeQueryExecution, fmt.Errorf("scan executor returned no response"))
	}
	return resp
}

func (o *LeafScanOperator) Close() {}
