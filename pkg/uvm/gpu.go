// Copyright 2024 The UVM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uvm

import (
	"math/bits"
	"sync/atomic"

	"uvm.dev/uvm/pkg/nvstatus"
)

// maxGPUs bounds the number of GPUs in the global table.
const maxGPUs = 64

// ProcessorMask is a bitmask of GPU indices in the global GPU table.
type ProcessorMask uint64

// Set sets the bit for index i.
func (m *ProcessorMask) Set(i int) {
	*m |= 1 << uint(i)
}

// Test returns true if the bit for index i is set.
func (m ProcessorMask) Test(i int) bool {
	return m&(1<<uint(i)) != 0
}

// Empty returns true if no bit is set.
func (m ProcessorMask) Empty() bool {
	return m == 0
}

// Count returns the number of set bits.
func (m ProcessorMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// GPU is one entry in the global GPU table. GPUs are created on first
// registration and live until Exit.
type GPU struct {
	uuid  string
	index int

	// retainCount prevents the GPU from disappearing while an ECC check
	// runs outside the VA space lock.
	retainCount atomic.Int64

	// eccErrorPending simulates an uncorrected ECC error on this GPU's
	// memory. Set through the builtin test surface.
	eccErrorPending atomic.Bool
}

// UUID returns the GPU's identifier.
func (gpu *GPU) UUID() string {
	return gpu.uuid
}

// findOrCreateGPU returns the global GPU entry for uuid, creating it on first
// use. Fails with ErrNoMemory once the table is full.
func (g *Global) findOrCreateGPU(uuid string) (*GPU, error) {
	g.gpuMu.Lock()
	defer g.gpuMu.Unlock()
	if gpu, ok := g.gpus[uuid]; ok {
		return gpu, nil
	}
	if g.nextGPUIndex >= maxGPUs {
		return nil, nvstatus.ErrNoMemory
	}
	gpu := &GPU{uuid: uuid, index: g.nextGPUIndex}
	g.nextGPUIndex++
	g.gpus[uuid] = gpu
	g.gpuByIndex[gpu.index] = gpu
	return gpu, nil
}

// gpusInMask resolves a ProcessorMask against the global table.
func (g *Global) gpusInMask(mask ProcessorMask) []*GPU {
	if mask.Empty() {
		return nil
	}
	g.gpuMu.Lock()
	defer g.gpuMu.Unlock()
	var gpus []*GPU
	for i := 0; i < maxGPUs; i++ {
		if mask.Test(i) && g.gpuByIndex[i] != nil {
			gpus = append(gpus, g.gpuByIndex[i])
		}
	}
	return gpus
}

// retainGPUs takes a reference on each GPU so that they outlive the VA space
// lock for the duration of an ECC check.
func (g *Global) retainGPUs(gpus []*GPU) {
	for _, gpu := range gpus {
		gpu.retainCount.Add(1)
	}
}

// releaseGPUs drops the references taken by retainGPUs.
func (g *Global) releaseGPUs(gpus []*GPU) {
	for _, gpu := range gpus {
		if gpu.retainCount.Add(-1) < 0 {
			panic("GPU released more times than retained")
		}
	}
}

// checkECCErrors returns ErrEccError if any of the given GPUs has an
// uncorrected ECC error pending. Must not be called with the VA space lock
// held; the check may block.
func (g *Global) checkECCErrors(gpus []*GPU) error {
	for _, gpu := range gpus {
		if gpu.eccErrorPending.Load() {
			return nvstatus.ErrEccError
		}
	}
	return nil
}
