package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/scripting"
)

// Split modes and failure behaviors
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"

	StopOnError     = "stop_on_error"
	ContinueOnError = "continue_on_error"
)

// splitNode partitions a list from the input into fixed-size chunks and processes each one
type splitNode struct {
	kind        string
	itemsPath   string
	batchSize   int
	parallel    bool
	stopOnError bool
	process     NodeHandler
}

func newSplitNode(kind string, config map[string]interface{}) (*splitNode, error) {
	n := &splitNode{kind: kind, itemsPath: stringValue(config["items_path"])}
	if n.itemsPath == "" {
		return nil, fmt.Errorf("%s node requires items_path", kind)
	}

	size, err := intValue(config["batch_size"], 1)
	if err != nil {
		return nil, fmt.Errorf("batch_size: %w", err)
	}
	if size < 1 {
		return nil, fmt.Errorf("batch_size must be at least 1")
	}
	n.batchSize = size

	mode := stringValue(config["mode"])
	if mode == "" {
		mode = ModeSerial
		if kind == models.KindParallel {
			mode = ModeParallel
		}
	}
	switch mode {
	case ModeSerial:
	case ModeParallel:
		n.parallel = true
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	switch behavior := stringValue(config["fail_behavior"]); behavior {
	case "", ContinueOnError:
	case StopOnError:
		n.stopOnError = true
	default:
		return nil, fmt.Errorf("unknown fail_behavior %q", behavior)
	}

	if raw, ok := config["process"]; ok {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("process must be a mapping with kind and config")
		}
		kind := stringValue(spec["kind"])
		if kind == models.KindIf || kind == models.KindSwitch {
			return nil, fmt.Errorf("%s cannot process chunks", kind)
		}
		procConfig, _ := spec["config"].(map[string]interface{})
		h, err := newHandler(kind, procConfig)
		if err != nil {
			return nil, fmt.Errorf("process: %w", err)
		}
		n.process = h
	}
	return n, nil
}

func (n *splitNode) Kind() string { return n.kind }

// chunkOutcome is the result of one chunk; ran is false for chunks skipped after a stop
type chunkOutcome struct {
	ran    bool
	output interface{}
	err    string
}

func (n *splitNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	items, err := n.items(nc)
	if err != nil {
		return Outcome{}, err
	}
	chunks := partition(items, n.batchSize)

	outcomes := make([]chunkOutcome, len(chunks))
	if n.parallel {
		n.runParallel(ctx, nc, chunks, outcomes)
	} else {
		n.runSerial(ctx, nc, chunks, outcomes)
	}

	results := make([]interface{}, 0, len(chunks))
	errs := make([]interface{}, 0)
	firstErr := -1
	for i, o := range outcomes {
		if !o.ran {
			continue
		}
		if o.err != "" {
			results = append(results, map[string]interface{}{"index": i, "error": o.err})
			errs = append(errs, map[string]interface{}{"index": i, "error": o.err})
			if firstErr < 0 {
				firstErr = i
			}
			continue
		}
		results = append(results, map[string]interface{}{"index": i, "output": o.output})
	}

	output := map[string]interface{}{
		"chunks":  len(chunks),
		"results": results,
		"errors":  errs,
	}
	if n.stopOnError && firstErr >= 0 {
		output["stopped"] = true
		output["error"] = fmt.Sprintf("chunk %d failed: %s", firstErr, outcomes[firstErr].err)
	}
	return Outcome{Output: output}, nil
}

// items resolves items_path against the node input; a leading "input." is optional
func (n *splitNode) items(nc *NodeContext) ([]interface{}, error) {
	path := n.itemsPath
	if !strings.HasPrefix(path, "input.") && path != "input" {
		path = "input." + path
	}
	v, ok := scripting.Lookup(nc.scope(), path)
	if !ok {
		return nil, fmt.Errorf("items_path %q not found in input", n.itemsPath)
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("items_path %q is not a list", n.itemsPath)
	}
	return items, nil
}

func partition(items []interface{}, size int) [][]interface{} {
	chunks := make([][]interface{}, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func (n *splitNode) runSerial(ctx context.Context, nc *NodeContext, chunks [][]interface{}, outcomes []chunkOutcome) {
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return
		}
		outcomes[i] = n.runChunk(ctx, nc, i, chunk)
		if n.stopOnError && outcomes[i].err != "" {
			return
		}
	}
}

// runParallel processes chunks on a pool bounded by MaxParallelism. After a failure under
// stop_on_error no new chunk starts; chunks already running finish.
func (n *splitNode) runParallel(ctx context.Context, nc *NodeContext, chunks [][]interface{}, outcomes []chunkOutcome) {
	sem := make(chan struct{}, nc.exec.cfg.MaxParallelism)
	var stopped atomic.Bool
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		sem <- struct{}{}
		if stopped.Load() || ctx.Err() != nil {
			<-sem
			break
		}
		wg.Add(1)
		go func(i int, chunk []interface{}) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = n.runChunk(ctx, nc, i, chunk)
			if n.stopOnError && outcomes[i].err != "" {
				stopped.Store(true)
			}
		}(i, chunk)
	}
	wg.Wait()
}

func (n *splitNode) runChunk(ctx context.Context, nc *NodeContext, index int, chunk []interface{}) (result chunkOutcome) {
	result.ran = true
	if n.process == nil {
		result.output = map[string]interface{}{"items": chunk}
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Sprintf("chunk panicked: %v", r)
		}
		if result.err != "" {
			nc.Log(ctx, models.LevelError, map[string]interface{}{
				"event": "chunk_failed",
				"index": index,
				"error": result.err,
			})
		}
	}()

	envelope := map[string]interface{}{
		"chunk": chunk,
		"index": index,
		"input": nc.Input,
	}
	out, err := n.process.Execute(ctx, nc.forChunk(index, envelope))
	if err != nil {
		result.err = err.Error()
		return result
	}
	if msg, failed := out.Output["error"]; failed {
		result.err = stringValue(msg)
		return result
	}
	result.output = out.Output
	return result
}
