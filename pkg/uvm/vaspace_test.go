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
	"fmt"
	"testing"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

func TestInitialize(t *testing.T) {
	g := newTestGlobal(t)
	f, err := g.OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer f.Release()

	// Everything except Initialize fails before Initialize.
	if err := f.Ioctl(IoctlCreateRangeGroup, &RangeGroupParams{}); err != nvstatus.ErrBadFileState {
		t.Errorf("ioctl before Initialize: got %v, want %v", err, nvstatus.ErrBadFileState)
	}
	if _, err := f.MMap(testBase, hostarch.PageSize, testBase, RegionShared|RegionRead|RegionWrite); err != nvstatus.ErrBadFileState {
		t.Errorf("MMap before Initialize: got %v, want %v", err, nvstatus.ErrBadFileState)
	}

	if err := f.Ioctl(IoctlInitialize, &InitializeParams{Flags: InitFlagsMultiProcessSharingMode}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	// Repeat with the same flags is a no-op; different flags fail.
	if err := f.Ioctl(IoctlInitialize, &InitializeParams{Flags: InitFlagsMultiProcessSharingMode}); err != nil {
		t.Errorf("repeated Initialize with same flags: got %v, want nil", err)
	}
	if err := f.Ioctl(IoctlInitialize, &InitializeParams{}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("repeated Initialize with different flags: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
	if err := f.Ioctl(IoctlInitialize, &InitializeParams{Flags: 1 << 13}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("Initialize with unknown flag: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
}

func TestRegisterGPU(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)

	if err := f.Ioctl(IoctlRegisterGPU, &GPUParams{UUID: "gpu-0"}); err != nil {
		t.Fatalf("RegisterGPU failed: %v", err)
	}
	if err := f.Ioctl(IoctlRegisterGPU, &GPUParams{UUID: "gpu-0"}); err != nvstatus.ErrInUse {
		t.Errorf("second RegisterGPU: got %v, want %v", err, nvstatus.ErrInUse)
	}
	if err := f.Ioctl(IoctlUnregisterGPU, &GPUParams{UUID: "gpu-1"}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("UnregisterGPU of unknown GPU: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
	if err := f.Ioctl(IoctlUnregisterGPU, &GPUParams{UUID: "gpu-0"}); err != nil {
		t.Errorf("UnregisterGPU failed: %v", err)
	}
	// Registration is per VA space; the global table entry survives and
	// can be registered again.
	if err := f.Ioctl(IoctlRegisterGPU, &GPUParams{UUID: "gpu-0"}); err != nil {
		t.Errorf("re-register after unregister: got %v, want nil", err)
	}
}

func TestGPUTableFull(t *testing.T) {
	g := newTestGlobal(t)
	for i := 0; i < maxGPUs; i++ {
		if _, err := g.findOrCreateGPU(fmt.Sprintf("gpu-%d", i)); err != nil {
			t.Fatalf("findOrCreateGPU %d failed: %v", i, err)
		}
	}
	if _, err := g.findOrCreateGPU("one-too-many"); err != nvstatus.ErrNoMemory {
		t.Errorf("GPU beyond table capacity: got %v, want %v", err, nvstatus.ErrNoMemory)
	}
}

func TestRangeGroups(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)

	var p RangeGroupParams
	if err := f.Ioctl(IoctlCreateRangeGroup, &p); err != nil {
		t.Fatalf("CreateRangeGroup failed: %v", err)
	}
	if p.ID == 0 {
		t.Fatalf("CreateRangeGroup returned id 0")
	}
	rg := f.vaSpace.findRangeGroup(p.ID)
	if rg == nil {
		t.Fatalf("group %d not found after creation", p.ID)
	}
	if !rg.migratable.Load() {
		t.Errorf("new group not migratable")
	}

	if err := f.Ioctl(IoctlPreventMigrationRangeGroups, &RangeGroupParams{ID: p.ID}); err != nil {
		t.Fatalf("PreventMigrationRangeGroups failed: %v", err)
	}
	if rg.migratable.Load() {
		t.Errorf("group migratable after PreventMigrationRangeGroups")
	}
	if err := f.Ioctl(IoctlAllowMigrationRangeGroups, &RangeGroupParams{ID: p.ID}); err != nil {
		t.Fatalf("AllowMigrationRangeGroups failed: %v", err)
	}
	if !rg.migratable.Load() {
		t.Errorf("group not migratable after AllowMigrationRangeGroups")
	}

	if err := f.Ioctl(IoctlDestroyRangeGroup, &RangeGroupParams{ID: p.ID}); err != nil {
		t.Errorf("DestroyRangeGroup failed: %v", err)
	}
	if err := f.Ioctl(IoctlDestroyRangeGroup, &RangeGroupParams{ID: p.ID}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("DestroyRangeGroup of destroyed group: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
}

func TestPeerAccess(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	mustRegisterGPU(t, f, "gpu-0")
	mustRegisterGPU(t, f, "gpu-1")

	pair := &PeerAccessParams{UUIDA: "gpu-0", UUIDB: "gpu-1"}
	if err := f.Ioctl(IoctlEnablePeerAccess, pair); err != nil {
		t.Fatalf("EnablePeerAccess failed: %v", err)
	}
	if err := f.Ioctl(IoctlEnablePeerAccess, pair); err != nvstatus.ErrInUse {
		t.Errorf("second EnablePeerAccess: got %v, want %v", err, nvstatus.ErrInUse)
	}
	// Pairs are unordered.
	reversed := &PeerAccessParams{UUIDA: "gpu-1", UUIDB: "gpu-0"}
	if err := f.Ioctl(IoctlEnablePeerAccess, reversed); err != nvstatus.ErrInUse {
		t.Errorf("EnablePeerAccess of reversed pair: got %v, want %v", err, nvstatus.ErrInUse)
	}
	if err := f.Ioctl(IoctlDisablePeerAccess, reversed); err != nil {
		t.Errorf("DisablePeerAccess of reversed pair failed: %v", err)
	}
	if err := f.Ioctl(IoctlDisablePeerAccess, pair); err != nvstatus.ErrInvalidArgument {
		t.Errorf("DisablePeerAccess of disabled pair: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
	self := &PeerAccessParams{UUIDA: "gpu-0", UUIDB: "gpu-0"}
	if err := f.Ioctl(IoctlEnablePeerAccess, self); err != nvstatus.ErrInvalidArgument {
		t.Errorf("EnablePeerAccess of a GPU with itself: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
}

func TestUserChannels(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	mustRegisterGPU(t, f, "gpu-0")

	if err := f.Ioctl(IoctlRegisterChannel, &ChannelParams{UUID: "gpu-0", ChannelID: 7}); err != nil {
		t.Fatalf("RegisterChannel failed: %v", err)
	}
	if err := f.Ioctl(IoctlRegisterChannel, &ChannelParams{UUID: "gpu-9", ChannelID: 8}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("RegisterChannel on unregistered GPU: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}

	vs := f.vaSpace
	vs.stopAllUserChannels()
	if !vs.channelsStopped.Load() {
		t.Errorf("channelsStopped not set by stopAllUserChannels")
	}
	vs.channelMu.Lock()
	for _, ch := range vs.channels {
		if !ch.stopped.Load() {
			t.Errorf("channel %d not stopped", ch.id)
		}
	}
	vs.channelMu.Unlock()

	if err := f.Ioctl(IoctlUnregisterChannel, &ChannelParams{UUID: "gpu-0", ChannelID: 7}); err != nil {
		t.Errorf("UnregisterChannel failed: %v", err)
	}
	if err := f.Ioctl(IoctlUnregisterChannel, &ChannelParams{UUID: "gpu-0", ChannelID: 7}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("UnregisterChannel of unregistered channel: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
}

func TestRangeTreeSplit(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	vs := f.vaSpace

	r := mustMMap(t, f, testBase, 4)
	defer r.Close()

	vs.lock.Lock()
	vr := vs.rangeFindLocked(testBase)
	if vr == nil {
		t.Fatalf("no range at %#x after MMap", testBase)
	}
	splitEnd := testBase + 2*hostarch.PageSize - 1
	if err := vs.rangeSplitLocked(vr, splitEnd); err != nil {
		t.Fatalf("rangeSplitLocked failed: %v", err)
	}
	lo := vs.rangeFindLocked(testBase)
	hi := vs.rangeFindLocked(splitEnd + 1)
	if lo == nil || hi == nil || lo == hi {
		t.Fatalf("split did not produce two ranges: lo=%v hi=%v", lo, hi)
	}
	if lo.end != splitEnd {
		t.Errorf("low half end: got %#x, want %#x", lo.end, splitEnd)
	}
	if hi.start != splitEnd+1 || hi.end != testBase+4*hostarch.PageSize-1 {
		t.Errorf("high half bounds: got [%#x, %#x]", hi.start, hi.end)
	}
	if lo.region() != r || hi.region() != r {
		t.Errorf("split halves not bound to the original region")
	}
	vs.assertRangesTileRegionLocked(r)
	vs.lock.Unlock()
}

func TestRangeTreeSplitMovesPages(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	vs := f.vaSpace

	r := mustMMap(t, f, testBase, 2)
	defer r.Close()

	// Populate one page in each half.
	if out := r.Access(testBase, true); !out.Resolved() {
		t.Fatalf("Access(%#x): got %v", testBase, out)
	}
	if out := r.Access(testBase+hostarch.PageSize, true); !out.Resolved() {
		t.Fatalf("Access(%#x): got %v", testBase+hostarch.PageSize, out)
	}

	vs.lock.Lock()
	vr := vs.rangeFindLocked(testBase)
	if err := vs.rangeSplitLocked(vr, testBase+hostarch.PageSize-1); err != nil {
		t.Fatalf("rangeSplitLocked failed: %v", err)
	}
	lo := vs.rangeFindLocked(testBase)
	hi := vs.rangeFindLocked(testBase + hostarch.PageSize)
	lo.managed.mu.Lock()
	if _, ok := lo.managed.pages[testBase]; !ok {
		t.Errorf("low half lost its page state")
	}
	if _, ok := lo.managed.pages[testBase+hostarch.PageSize]; ok {
		t.Errorf("low half kept the high page's state")
	}
	lo.managed.mu.Unlock()
	hi.managed.mu.Lock()
	if _, ok := hi.managed.pages[testBase+hostarch.PageSize]; !ok {
		t.Errorf("high half did not receive its page state")
	}
	hi.managed.mu.Unlock()
	vs.lock.Unlock()
}

func TestRangeInsertCollision(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	vs := f.vaSpace

	ar := hostarch.AddrRange{Start: testBase, End: testBase + 4*hostarch.PageSize}
	vs.lock.Lock()
	defer vs.lock.Unlock()
	if _, err := vs.rangeCreateExternalLocked(ar); err != nil {
		t.Fatalf("rangeCreateExternalLocked failed: %v", err)
	}
	overlapping := []hostarch.AddrRange{
		ar,
		{Start: ar.Start - hostarch.PageSize, End: ar.Start + hostarch.PageSize},
		{Start: ar.End - hostarch.PageSize, End: ar.End + hostarch.PageSize},
		{Start: ar.Start + hostarch.PageSize, End: ar.End - hostarch.PageSize},
	}
	for _, o := range overlapping {
		if _, err := vs.rangeCreateExternalLocked(o); err != nvstatus.ErrAddressInUse {
			t.Errorf("overlapping create %v: got %v, want %v", o, err, nvstatus.ErrAddressInUse)
		}
	}
	adjacent := hostarch.AddrRange{Start: ar.End, End: ar.End + hostarch.PageSize}
	if _, err := vs.rangeCreateExternalLocked(adjacent); err != nil {
		t.Errorf("adjacent create %v: got %v, want nil", adjacent, err)
	}
}
