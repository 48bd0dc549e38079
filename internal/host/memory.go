package host

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// SystemMemory reports total and available memory of this host in bytes.
func SystemMemory(ctx context.Context) (total, available uint64, err error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return vm.Total, vm.Available, nil
}
