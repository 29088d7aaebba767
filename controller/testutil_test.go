package controller

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devskill-org/site-controller/regmap"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	return cfg
}

// testCatalog builds a register-map catalog with small fixture descriptors.
func testCatalog(t *testing.T) *regmap.Catalog {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"logger/huawei.json": `{
			"address_base": 0,
			"telemetry": {
				"sum_active_power": {"address": 0, "quantity": 2, "fc": 3, "type": "s32", "gain": 10},
				"cos_phi": {"address": 2, "quantity": 1, "fc": 3, "type": "s16", "gain": 1000}
			},
			"control": {
				"activePowerAdjustment": {"address": 200, "quantity": 2, "fc": 3, "type": "s32", "gain": 10}
			}
		}`,
		"logger/fronius.json": `{
			"address_base": 0,
			"telemetry": {
				"sum_active_power": {"address": 0, "quantity": 2, "fc": 3, "type": "f32", "gain": 1000},
				"cos_phi": {"address": 2, "quantity": 2, "fc": 3, "type": "sunssf"}
			},
			"control": {
				"activePowerLimitPercent": {"address": 300, "quantity": 1, "fc": 3, "type": "u16", "enable_register": 304, "enable_value": 1}
			}
		}`,
		"ess/hithium.json": `{
			"address_base": 0,
			"telemetry": {
				"totalCapacity": {"address": 0, "quantity": 1, "fc": 3, "type": "u16", "gain": 10},
				"averageCurrentSOC": {"address": 1, "quantity": 1, "fc": 3, "type": "u16", "gain": 10},
				"allowedMinSOC": {"address": 2, "quantity": 1, "fc": 3, "type": "u16", "gain": 10},
				"allowedMaxSOC": {"address": 3, "quantity": 1, "fc": 3, "type": "u16", "gain": 10},
				"averageBatterycellTemp": {"address": 10, "quantity": 2, "fc": 3, "type": "s16", "gain": 10, "vector": true},
				"minimumBatterycellTemp": {"address": 12, "quantity": 2, "fc": 3, "type": "s16", "gain": 10, "vector": true},
				"maximumBatterycellTemp": {"address": 14, "quantity": 2, "fc": 3, "type": "s16", "gain": 10, "vector": true},
				"averageContainerInsideTemp": {"address": 16, "quantity": 2, "fc": 3, "type": "s16", "gain": 10, "vector": true}
			},
			"control": {
				"activePowerSetpoint": {"address": 600, "quantity": 2, "fc": 3, "type": "s32", "gain": 10}
			}
		}`,
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write descriptor: %v", err)
		}
	}
	return regmap.NewCatalog(dir)
}

// fakeBus is an in-memory field bus. Reads are served from the register
// table keyed by endpoint, slave, and address; writes are recorded.
type fakeBus struct {
	mu    sync.Mutex
	regs  map[string][]uint16
	fail  map[string]error
	reads []string

	singles []singleWrite
	multis  []multiWrite

	writeErr error
}

type singleWrite struct {
	endpoint string
	slave    byte
	address  uint16
	value    uint16
}

type multiWrite struct {
	endpoint string
	slave    byte
	address  uint16
	values   []uint16
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs: make(map[string][]uint16),
		fail: make(map[string]error),
	}
}

func busKey(endpoint string, slave byte, address uint16) string {
	return fmt.Sprintf("%s/%d/%d", endpoint, slave, address)
}

func (b *fakeBus) set(endpoint string, slave byte, address uint16, regs ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[busKey(endpoint, slave, address)] = regs
}

func (b *fakeBus) failAt(endpoint string, slave byte, address uint16, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[busKey(endpoint, slave, address)] = err
}

func (b *fakeBus) Read(endpoint string, slave byte, address, quantity uint16, fc int) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := busKey(endpoint, slave, address)
	b.reads = append(b.reads, key)
	if err, ok := b.fail[key]; ok {
		return nil, err
	}
	regs, ok := b.regs[key]
	if !ok {
		return nil, fmt.Errorf("no registers at %s", key)
	}
	if int(quantity) > len(regs) {
		return nil, fmt.Errorf("short read at %s", key)
	}
	return regs[:quantity], nil
}

func (b *fakeBus) WriteSingle(endpoint string, slave byte, address, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.singles = append(b.singles, singleWrite{endpoint, slave, address, value})
	return nil
}

func (b *fakeBus) WriteMulti(endpoint string, slave byte, address uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.multis = append(b.multis, multiWrite{endpoint, slave, address, values})
	return nil
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 12, 0, 0, 123456789, time.UTC)
}
