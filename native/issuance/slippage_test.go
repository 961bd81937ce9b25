package issuance

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/native/fixedpoint"
)

func TestIssueWithSlippageWithinBounds(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	f.fund(t, wethAddr, callerAddr, amount(t, "2000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "200000000000000000000"))

	err := f.engine.IssueWithSlippage(
		callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit),
		[]common.Address{wethAddr, daiAddr},
		[]*big.Int{amount(t, "1005000000000000000"), amount(t, "100500000000000000000")},
		callerAddr,
	)
	if err != nil {
		t.Fatalf("issue with slippage: %v", err)
	}
	requireBalance(t, f.custody(wethAddr), amount(t, "1005000000000000000"))
}

func TestIssueWithSlippageExceeded(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	f.fund(t, wethAddr, callerAddr, amount(t, "2000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "200000000000000000000"))

	err := f.engine.IssueWithSlippage(
		callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit),
		[]common.Address{wethAddr},
		[]*big.Int{amount(t, "1004999999999999999")},
		callerAddr,
	)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	// No partial execution: everything reverted.
	requireBalance(t, f.custody(wethAddr), big.NewInt(0))
	requireBalance(t, f.custody(daiAddr), big.NewInt(0))
	requireBalance(t, f.db.BalanceOf(wethAddr, callerAddr), amount(t, "2000000000000000000"))
	supply, err := f.db.TotalSupply(tokenAddr)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Sign() != 0 {
		t.Fatalf("supply should stay zero, got %s", supply)
	}
}

func TestRedeemWithSlippageFloor(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "100000000000000000000"))
	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}

	err := f.engine.RedeemWithSlippage(
		callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit),
		[]common.Address{daiAddr},
		[]*big.Int{amount(t, "100000000000000000001")},
		callerAddr,
	)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	err = f.engine.RedeemWithSlippage(
		callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit),
		[]common.Address{daiAddr},
		[]*big.Int{amount(t, "100000000000000000000")},
		callerAddr,
	)
	if err != nil {
		t.Fatalf("redeem with slippage: %v", err)
	}
	requireBalance(t, f.db.BalanceOf(daiAddr, callerAddr), amount(t, "100000000000000000000"))
}

func TestSlippageArrayLengthMismatch(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	err := f.engine.IssueWithSlippage(
		callerAddr, tokenAddr, big.NewInt(1),
		[]common.Address{wethAddr, daiAddr},
		[]*big.Int{big.NewInt(1)},
		callerAddr,
	)
	if !errors.Is(err, ErrArrayLengthMismatch) {
		t.Fatalf("expected ErrArrayLengthMismatch, got %v", err)
	}
}

func TestSlippageDuplicateComponent(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	err := f.engine.IssueWithSlippage(
		callerAddr, tokenAddr, big.NewInt(1),
		[]common.Address{wethAddr, wethAddr},
		[]*big.Int{big.NewInt(1), big.NewInt(1)},
		callerAddr,
	)
	if !errors.Is(err, ErrDuplicateComponent) {
		t.Fatalf("expected ErrDuplicateComponent, got %v", err)
	}
}

func TestSlippageUnknownComponent(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	err := f.engine.IssueWithSlippage(
		callerAddr, tokenAddr, big.NewInt(1),
		[]common.Address{extraAssetAddr},
		[]*big.Int{big.NewInt(1)},
		callerAddr,
	)
	if !errors.Is(err, ErrComponentNotFound) {
		t.Fatalf("expected ErrComponentNotFound, got %v", err)
	}
}
