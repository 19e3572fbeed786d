package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge/memory"
)

// ParseDevLedgers builds in-memory ledgers from a list such as
// "L1:A1=100;A2=5,L2": ledgers are comma separated, and each may list
// initial deposits after a colon.
func ParseDevLedgers(spec string) ([]bridge.Adapter, error) {
	var adapters []bridge.Adapter
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, deposits, _ := strings.Cut(raw, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("ledger %q: id is required", raw)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("ledger %s: duplicate entry", id)
		}
		seen[id] = struct{}{}

		ledger := memory.NewLedger(id)
		for _, deposit := range strings.Split(deposits, ";") {
			deposit = strings.TrimSpace(deposit)
			if deposit == "" {
				continue
			}
			ref, amount, ok := strings.Cut(deposit, "=")
			ref = strings.TrimSpace(ref)
			if !ok || ref == "" {
				return nil, fmt.Errorf("ledger %s: deposit %q: expected asset=amount", id, deposit)
			}
			value, err := strconv.ParseUint(strings.TrimSpace(amount), 10, 64)
			if err != nil || value == 0 {
				return nil, fmt.Errorf("ledger %s: deposit %q: amount must be a positive integer", id, deposit)
			}
			ledger.Deposit(ref, value)
		}
		adapters = append(adapters, ledger)
	}
	return adapters, nil
}
