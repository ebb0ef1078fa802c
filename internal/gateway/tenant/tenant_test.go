package tenant

import (
	"testing"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

func fixedRPS(rps float64) func(string) float64 {
	return func(string) float64 { return rps }
}

func TestLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	l := NewLimiter(fixedRPS(2))

	if !l.Allow("tenantA", "subscribe", 0) {
		t.Error("first request should be allowed")
	}
	if !l.Allow("tenantA", "subscribe", 0) {
		t.Error("second request (within burst) should be allowed")
	}
	if l.Allow("tenantA", "subscribe", 0) {
		t.Error("third immediate request should be blocked")
	}
}

func TestLimiterIsIndependentPerTenant(t *testing.T) {
	l := NewLimiter(fixedRPS(1))

	if !l.Allow("tenantA", "subscribe", 0) {
		t.Error("first request for tenantA should be allowed")
	}
	if !l.Allow("tenantB", "subscribe", 0) {
		t.Error("first request for tenantB should be allowed independent of tenantA")
	}
	if l.Allow("tenantA", "subscribe", 0) {
		t.Error("second immediate request for tenantA should be blocked")
	}
}

func TestLimiterIsIndependentPerEvent(t *testing.T) {
	l := NewLimiter(fixedRPS(1))

	if !l.Allow("tenantA", "subscribe", 0) {
		t.Error("first subscribe should be allowed")
	}
	if !l.Allow("tenantA", "get_quote", 0) {
		t.Error("first get_quote should be allowed independent of subscribe for the same tenant")
	}
}

func TestLimiterOverrideTakesPrecedenceOverConfiguredRate(t *testing.T) {
	l := NewLimiter(fixedRPS(1))

	// override of 5 should permit more than the default-1 burst allows
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("tenantA", "subscribe", 5) {
			allowed++
		}
	}
	if allowed < 5 {
		t.Errorf("expected override rps=5 to allow at least 5 immediate requests, got %d", allowed)
	}
}

func TestContextAllowsChecksEntitlements(t *testing.T) {
	ctx := &Context{
		Entitlements: map[types.Exchange]bool{types.NSEEquity: true},
	}

	if !ctx.Allows(types.NSEEquity) {
		t.Error("NSE_EQ is entitled and should be allowed")
	}
	if ctx.Allows(types.MCXFutures) {
		t.Error("MCX_FO is not entitled and must be rejected")
	}
}
