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
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/memtrack"
)

func TestMain(m *testing.M) {
	// Many tests provoke failures on purpose; keep the warnings out of
	// the test output.
	log.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// testBase is the start address tests map at. Arbitrary, page-aligned, high
// enough to look like a real heap address.
const testBase = hostarch.Addr(0x7f00_0000_0000)

func newTestGlobal(t *testing.T) *Global {
	t.Helper()
	g, err := Init(GlobalOpts{
		EnableBuiltinTests: true,
		LeakCheckMode:      memtrack.ModeOrigin,
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(g.Exit)
	return g
}

func newTestFile(t *testing.T, g *Global) *File {
	t.Helper()
	f, err := g.OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	t.Cleanup(f.Release)
	if err := f.Ioctl(IoctlInitialize, &InitializeParams{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return f
}

func mustMMap(t *testing.T, f *File, addr hostarch.Addr, pages int) *Region {
	t.Helper()
	length := uint64(pages) * hostarch.PageSize
	r, err := f.MMap(addr, length, addr, RegionShared|RegionRead|RegionWrite)
	if err != nil {
		t.Fatalf("MMap(%#x, %d pages) failed: %v", addr, pages, err)
	}
	return r
}

func mustRegisterGPU(t *testing.T, f *File, uuid string) *GPU {
	t.Helper()
	if err := f.Ioctl(IoctlRegisterGPU, &GPUParams{UUID: uuid}); err != nil {
		t.Fatalf("RegisterGPU(%q) failed: %v", uuid, err)
	}
	gpu, err := f.registeredGPU(uuid)
	if err != nil {
		t.Fatalf("GPU %q not registered after RegisterGPU: %v", uuid, err)
	}
	return gpu
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
