package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/sim"
)

// CollectTrace let the tracer to collect trace from a domain. The domain is
// a push manager or a page tree.
func CollectTrace(domain sim.Hookable, tracer Tracer) {
	for _, hook := range domain.Hooks() {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(&traceHook{t: tracer})
}

// A traceHook is a hook that traces tasks
type traceHook struct {
	t Tracer
}

// Func calls the tracer interfaces when the hook is triggered
func (h *traceHook) Func(ctx sim.HookCtx) {
	switch item := ctx.Item.(type) {
	case *push.Push:
		h.push(ctx, item)
	case *pagetree.Op:
		h.treeOp(ctx, item)
	}
}

func (h *traceHook) push(ctx sim.HookCtx, p *push.Push) {
	switch ctx.Pos {
	case sim.HookPosPushBegin:
		what := p.Description
		if what == "" {
			what = p.Channel.String()
		}

		h.t.StartTask(Task{
			ID:       p.ID,
			Kind:     KindPush,
			What:     what,
			Location: ctx.Domain.Name() + "." + p.Channel.String(),
			Detail:   p,
		})
	case sim.HookPosPushEnd:
		h.t.StepTask(Task{
			ID:    p.ID,
			Steps: []TaskStep{{What: "submitted"}},
		})
	case sim.HookPosPushComplete:
		h.t.EndTask(Task{ID: p.ID, Err: detailError(ctx)})
	}
}

func (h *traceHook) treeOp(ctx sim.HookCtx, op *pagetree.Op) {
	switch ctx.Pos {
	case sim.HookPosTreeOpStart:
		h.t.StartTask(Task{
			ID:       op.ID,
			Kind:     KindTreeOp,
			What:     op.Name,
			Location: ctx.Domain.Name(),
			Detail:   op,
		})
	case sim.HookPosTreeOpEnd:
		h.t.EndTask(Task{ID: op.ID, Err: detailError(ctx)})
	}
}

func detailError(ctx sim.HookCtx) error {
	err, _ := ctx.Detail.(error)
	return err
}
