// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"slices"
	"sync"

	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/autofunc/types/xslices"
	"github.com/gomlx/autofunc/types/xsync"
)

// gradSpec records where and with what geometry a gradient for one forward
// output must be materialized when backward receives no gradient for it.
type gradSpec struct {
	deviceNum engines.DeviceNum
	shape     shapes.Shape
}

// kernelInfo is the learned metadata for one kernel-invocation identity.
//
// The indices fields distinguish "not learned yet" (nil) from "learned, none"
// (empty non-nil slice): learning happens on the first qualifying run and the
// result, including the empty one, is trusted for the life of the process.
type kernelInfo struct {
	kernelID string

	mu sync.Mutex

	// capturedInputIndices are the tensor positions (counting tensor arguments
	// only) the function captured for backward. nil until learned.
	capturedInputIndices []int

	// materializesGrads tells whether absent backward gradients must be
	// materialized as zero tensors, per materializeConfig.
	materializesGrads bool

	// materializeConfig maps forward output index to the placement and geometry
	// of its materialized gradient.
	materializeConfig map[int]gradSpec

	// outputCloneIndices are the output positions that must be cloned before
	// being handed back to the engine, because the function reuses an input
	// buffer it did not declare. nil until learned.
	outputCloneIndices []int
}

// learnedCaptures returns the captured-input indices and whether they were
// learned yet.
func (info *kernelInfo) learnedCaptures() ([]int, bool) {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.capturedInputIndices, info.capturedInputIndices != nil
}

// setCaptures records the captured-input indices if not learned yet, and
// returns the canonical value. indices must be non-nil; pass an empty slice
// for "captures nothing".
func (info *kernelInfo) setCaptures(indices []int) []int {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.capturedInputIndices == nil {
		info.capturedInputIndices = indices
	}
	return info.capturedInputIndices
}

// learnedClones returns the forced-clone output indices and whether they were
// learned yet.
func (info *kernelInfo) learnedClones() ([]int, bool) {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.outputCloneIndices, info.outputCloneIndices != nil
}

// setClones records the forced-clone output indices if not learned yet, and
// returns the canonical value. indices must be non-nil.
func (info *kernelInfo) setClones(indices []int) []int {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.outputCloneIndices == nil {
		info.outputCloneIndices = indices
	}
	return info.outputCloneIndices
}

// setMaterialize records the gradient-materialization policy and per-output
// placement captured on the learning run.
func (info *kernelInfo) setMaterialize(materializes bool, config map[int]gradSpec) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.materializesGrads = materializes
	info.materializeConfig = config
}

func (info *kernelInfo) materializes() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.materializesGrads
}

// gradConfig returns the materialization placement for the given forward
// output index.
func (info *kernelInfo) gradConfig(outputIdx int) (gradSpec, bool) {
	info.mu.Lock()
	defer info.mu.Unlock()
	spec, found := info.materializeConfig[outputIdx]
	return spec, found
}

// InfoStore holds the learned metadata of every kernel-invocation identity the
// bridge has seen. Entries are created on first use and never removed: kernel
// identities are stable for the life of the executing graph.
type InfoStore struct {
	m xsync.SyncMap[string, *kernelInfo]
}

// NewInfoStore creates an empty store.
func NewInfoStore() *InfoStore {
	return &InfoStore{}
}

// getOrCreate returns the entry for kernelID, creating it if needed.
func (s *InfoStore) getOrCreate(kernelID string) *kernelInfo {
	info, _ := s.m.LoadOrStore(kernelID, &kernelInfo{kernelID: kernelID})
	return info
}

// get returns the entry for kernelID, or nil if the identity was never seen.
func (s *InfoStore) get(kernelID string) *kernelInfo {
	info, _ := s.m.Load(kernelID)
	return info
}

// Len returns the number of kernel identities seen so far.
func (s *InfoStore) Len() int {
	count := 0
	s.m.Range(func(_ string, _ *kernelInfo) bool {
		count++
		return true
	})
	return count
}

// KernelStats is a snapshot of the learned metadata of one kernel identity,
// for introspection and reporting.
type KernelStats struct {
	// KernelID is the kernel-invocation identity.
	KernelID string

	// CapturedInputs are the learned captured-input indices, nil if not learned.
	CapturedInputs []int

	// ClonedOutputs are the learned forced-clone output indices, nil if not
	// learned.
	ClonedOutputs []int

	// MaterializesGrads tells whether absent gradients are materialized for
	// this kernel's backward.
	MaterializesGrads bool

	// Learned tells whether the capture indices were learned yet.
	Learned bool
}

// Stats returns a snapshot for every kernel identity, sorted by identity.
func (s *InfoStore) Stats() []KernelStats {
	byID := make(map[string]*kernelInfo)
	s.m.Range(func(kernelID string, info *kernelInfo) bool {
		byID[kernelID] = info
		return true
	})
	all := make([]KernelStats, 0, len(byID))
	for _, kernelID := range xslices.SortedKeys(byID) {
		info := byID[kernelID]
		info.mu.Lock()
		all = append(all, KernelStats{
			KernelID:          kernelID,
			CapturedInputs:    slices.Clone(info.capturedInputIndices),
			ClonedOutputs:     slices.Clone(info.outputCloneIndices),
			MaterializesGrads: info.materializesGrads,
			Learned:           info.capturedInputIndices != nil,
		})
		info.mu.Unlock()
	}
	return all
}
