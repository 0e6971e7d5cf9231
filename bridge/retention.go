// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"github.com/gomlx/autofunc/autograd"
	"k8s.io/klog/v2"
)

// detachAndRegister severs the differentiation context's edges into the
// runtime's ambient graph -- keeping only the saved tensors alive -- and
// registers it in the retention table so it survives until the paired backward
// call. owner is the output tensor whose gradient function the context came
// from.
func (b *Bridge) detachAndRegister(ctx autograd.Context, owner autograd.Tensor, saved []autograd.Tensor, forwardID string) error {
	if err := b.rt.ClearGradEdges(owner, saved); err != nil {
		return ioError(err, "detaching differentiation context of kernel %q", forwardID)
	}
	if replaced := b.retained.Acquire(ctx, retainedContext{forwardID: forwardID}); replaced {
		klog.Warningf("differentiation context of kernel %q registered twice without a backward call in between", forwardID)
	}
	return nil
}

// lookupRetained returns the retention entry for ctx, if it is live.
func (b *Bridge) lookupRetained(ctx autograd.Context) (retainedContext, bool) {
	return b.retained.Get(ctx)
}

// releaseContext drops the retention entry for ctx, allowing the runtime to
// free the context and its saved tensors.
func (b *Bridge) releaseContext(ctx autograd.Context) {
	b.retained.Release(ctx)
}
