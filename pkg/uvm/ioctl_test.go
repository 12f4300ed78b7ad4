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
	"testing"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

func TestSetRangeGroup(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)

	r := mustMMap(t, f, testBase, 4)
	defer r.Close()

	var grp RangeGroupParams
	if err := f.Ioctl(IoctlCreateRangeGroup, &grp); err != nil {
		t.Fatalf("CreateRangeGroup failed: %v", err)
	}
	if err := f.Ioctl(IoctlSetRangeGroup, &SetRangeGroupParams{ID: grp.ID, Base: testBase, Length: 4 * hostarch.PageSize}); err != nil {
		t.Fatalf("SetRangeGroup failed: %v", err)
	}
	if err := f.Ioctl(IoctlSetRangeGroup, &SetRangeGroupParams{ID: 999, Base: testBase, Length: hostarch.PageSize}); err != nvstatus.ErrInvalidArgument {
		t.Errorf("SetRangeGroup with unknown group: got %v, want %v", err, nvstatus.ErrInvalidArgument)
	}
	if err := f.Ioctl(IoctlSetRangeGroup, &SetRangeGroupParams{ID: grp.ID, Base: testBase + 4*hostarch.PageSize, Length: hostarch.PageSize}); err != nvstatus.ErrInvalidAddress {
		t.Errorf("SetRangeGroup over unmapped interval: got %v, want %v", err, nvstatus.ErrInvalidAddress)
	}
}

func TestMigrationPreventedByGroup(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	mustRegisterGPU(t, f, "gpu-0")

	r := mustMMap(t, f, testBase, 2)
	defer r.Close()

	var grp RangeGroupParams
	if err := f.Ioctl(IoctlCreateRangeGroup, &grp); err != nil {
		t.Fatalf("CreateRangeGroup failed: %v", err)
	}
	if err := f.Ioctl(IoctlSetRangeGroup, &SetRangeGroupParams{ID: grp.ID, Base: testBase, Length: 2 * hostarch.PageSize}); err != nil {
		t.Fatalf("SetRangeGroup failed: %v", err)
	}
	if err := f.Ioctl(IoctlPreventMigrationRangeGroups, &RangeGroupParams{ID: grp.ID}); err != nil {
		t.Fatalf("PreventMigrationRangeGroups failed: %v", err)
	}

	migrate := &MigrateParams{Base: testBase, Length: 2 * hostarch.PageSize, UUID: "gpu-0"}
	if err := f.Ioctl(IoctlMigrate, migrate); err != nvstatus.ErrInvalidState {
		t.Errorf("Migrate with migration prevented: got %v, want %v", err, nvstatus.ErrInvalidState)
	}

	if err := f.Ioctl(IoctlAllowMigrationRangeGroups, &RangeGroupParams{ID: grp.ID}); err != nil {
		t.Fatalf("AllowMigrationRangeGroups failed: %v", err)
	}
	if err := f.Ioctl(IoctlMigrate, migrate); err != nil {
		t.Errorf("Migrate after allowing migration: got %v, want nil", err)
	}
	// Clearing the group assignment uses id 0.
	if err := f.Ioctl(IoctlSetRangeGroup, &SetRangeGroupParams{Base: testBase, Length: 2 * hostarch.PageSize}); err != nil {
		t.Errorf("clearing range group: got %v, want nil", err)
	}
}

func TestMigrateValidation(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	mustRegisterGPU(t, f, "gpu-0")

	r := mustMMap(t, f, testBase, 2)
	defer r.Close()

	for _, tc := range []struct {
		name string
		p    MigrateParams
		want error
	}{
		{"unaligned base", MigrateParams{Base: testBase + 1, Length: hostarch.PageSize, UUID: "gpu-0"}, nvstatus.ErrInvalidAddress},
		{"zero length", MigrateParams{Base: testBase, Length: 0, UUID: "gpu-0"}, nvstatus.ErrInvalidAddress},
		{"unmapped interval", MigrateParams{Base: testBase + 2*hostarch.PageSize, Length: hostarch.PageSize, UUID: "gpu-0"}, nvstatus.ErrInvalidAddress},
		{"unregistered GPU", MigrateParams{Base: testBase, Length: hostarch.PageSize, UUID: "gpu-9"}, nvstatus.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := f.Ioctl(IoctlMigrate, &tc.p); err != tc.want {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMigrateSpanningRanges(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)
	gpu := mustRegisterGPU(t, f, "gpu-0")

	r := mustMMap(t, f, testBase, 4)
	// Split so the migration interval spans two ranges.
	upper := r.SplitAt(testBase+2*hostarch.PageSize, false)
	defer upper.Close()
	defer r.Close()

	if err := f.Ioctl(IoctlMigrate, &MigrateParams{Base: testBase + hostarch.PageSize, Length: 2 * hostarch.PageSize, UUID: "gpu-0"}); err != nil {
		t.Fatalf("Migrate across ranges failed: %v", err)
	}

	vs := f.vaSpace
	vs.lock.RLock()
	defer vs.lock.RUnlock()
	for _, addr := range []hostarch.Addr{testBase + hostarch.PageSize, testBase + 2*hostarch.PageSize} {
		vr := vs.rangeFindLocked(addr)
		vr.managed.mu.Lock()
		ps := vr.managed.pages[addr]
		vr.managed.mu.Unlock()
		if ps == nil || ps.residentOn != gpu {
			t.Errorf("page %#x not resident on GPU after migrate", addr)
		}
	}
	// Pages outside the interval were untouched.
	vr := vs.rangeFindLocked(testBase)
	vr.managed.mu.Lock()
	if ps := vr.managed.pages[testBase]; ps != nil && ps.residentOn != nil {
		t.Errorf("page %#x migrated outside the requested interval", testBase)
	}
	vr.managed.mu.Unlock()
}

func TestExternalRange(t *testing.T) {
	g := newTestGlobal(t)
	f := newTestFile(t, g)

	if err := f.Ioctl(IoctlCreateExternalRange, &RangeParams{Base: testBase, Length: hostarch.PageSize}); err != nil {
		t.Fatalf("CreateExternalRange failed: %v", err)
	}
	if err := f.Ioctl(IoctlCreateExternalRange, &RangeParams{Base: testBase, Length: hostarch.PageSize}); err != nvstatus.ErrAddressInUse {
		t.Errorf("second CreateExternalRange: got %v, want %v", err, nvstatus.ErrAddressInUse)
	}
	// External ranges block managed mappings of the same interval.
	if _, err := f.MMap(testBase, hostarch.PageSize, testBase, RegionShared|RegionRead|RegionWrite); err != nvstatus.ErrAddressInUse {
		t.Errorf("MMap over external range: got %v, want %v", err, nvstatus.ErrAddressInUse)
	}
	// Migration does not apply to external ranges.
	mustRegisterGPU(t, f, "gpu-0")
	if err := f.Ioctl(IoctlMigrate, &MigrateParams{Base: testBase, Length: hostarch.PageSize, UUID: "gpu-0"}); err != nvstatus.ErrInvalidAddress {
		t.Errorf("Migrate of external range: got %v, want %v", err, nvstatus.ErrInvalidAddress)
	}
	if err := f.Ioctl(IoctlFree, &RangeParams{Base: testBase, Length: hostarch.PageSize}); err != nil {
		t.Errorf("Free failed: %v", err)
	}
}
