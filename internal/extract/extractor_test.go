package extract

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

const vulnerableSale = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.0;

contract FixedSale {
    // price = 1 * 10**18; old value
    uint256 public price = 5 * 10**18;
    uint256 public sellPrice = 4e18;

    function buy() external payable {
        uint256 amount = msg.value * 1e18 / price;
        balances[msg.sender] += amount;
    }
}
`

func TestExtract_ScaledLiterals(t *testing.T) {
	ex := New(Config{})

	got, err := ex.Extract("0xToken", vulnerableSale)
	require.NoError(t, err)
	require.True(t, got.Found())
	require.Len(t, got.Prices, 2)

	first := got.Prices[0]
	assert.Equal(t, "0xToken", first.Token)
	assert.Equal(t, domain.QuoteUSD, first.Quote)
	assert.Equal(t, domain.PriceSourceContract, first.Source)
	assert.Equal(t, KindHardcoded, first.Kind)
	assert.Equal(t, domain.ConfidenceHigh, first.Confidence)
	assert.True(t, first.Price.Equal(decimal.NewFromInt(5)), "got %s", first.Price)
	assert.Equal(t, 6, first.Line)

	assert.True(t, got.Prices[1].Price.Equal(decimal.NewFromInt(4)))
}

func TestExtract_CommentedAssignmentsIgnored(t *testing.T) {
	src := `contract C {
    /* uint256 price = 9 * 10**18; */
    // uint256 tokenPrice = 7 ether;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	assert.False(t, got.Found())
}

func TestExtract_EtherUnitAndSalePrice(t *testing.T) {
	src := `contract C {
    uint256 tokenPrice = 2 ether;
    uint256 buyPrice = 1000;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	require.Len(t, got.Prices, 2)

	assert.Equal(t, KindHardcoded, got.Prices[0].Kind)
	assert.True(t, got.Prices[0].Price.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, domain.QuoteUSD, got.Prices[0].Quote)

	assert.Equal(t, KindSalePrice, got.Prices[1].Kind)
	assert.Equal(t, domain.ConfidenceMedium, got.Prices[1].Confidence)
	assert.Equal(t, domain.QuoteNative, got.Prices[1].Quote, "a bare price is wei per token")
	assert.True(t, got.Prices[1].Price.Equal(decimal.RequireFromString("0.000000000000001")))
}

func TestExtract_RateIsTokensPerNativeUnit(t *testing.T) {
	src := `contract Crowdsale {
    uint256 public rate = 1000;
    uint256 exchangeRate = 4;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	require.Len(t, got.Prices, 2)

	for _, p := range got.Prices {
		assert.Equal(t, KindRate, p.Kind)
		assert.Equal(t, domain.ConfidenceMedium, p.Confidence)
		assert.Equal(t, domain.QuoteNative, p.Quote)
	}
	assert.True(t, got.Prices[0].Price.Equal(decimal.RequireFromString("0.001")), "got %s", got.Prices[0].Price)
	assert.True(t, got.Prices[1].Price.Equal(decimal.RequireFromString("0.25")))

	_, ok := got.BestIn(domain.ConfidenceLow, domain.QuoteUSD)
	assert.False(t, ok)
}

func TestExtract_PoolRatio(t *testing.T) {
	src := `contract Pool {
    uint256 reserveA = 1000;
    uint256 reserveB = 59000;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	require.Len(t, got.Prices, 1)
	assert.Equal(t, KindPoolRatio, got.Prices[0].Kind)
	assert.Equal(t, domain.ConfidenceLow, got.Prices[0].Confidence)
	assert.Empty(t, got.Prices[0].Quote)
	assert.True(t, got.Prices[0].Price.Equal(decimal.NewFromInt(59)))
}

func TestExtract_NeverFabricates(t *testing.T) {
	src := `contract C {
    uint256 price = 0;
    uint256 supply = 1000000 * 10**18;
    uint256 fee = 30;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	assert.False(t, got.Found())
	assert.Empty(t, got.Prices)
}

func TestExtract_EmptySourceIsNotAnError(t *testing.T) {
	got, err := New(Config{}).Extract("t", "   \n")
	require.NoError(t, err)
	assert.False(t, got.Found())
}

func TestExtract_OversizedSourceIsAnError(t *testing.T) {
	ex := New(Config{MaxSourceBytes: 16})
	_, err := ex.Extract("t", strings.Repeat("x", 32))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtractionFailed)
	assert.Equal(t, domain.ReasonExtractionFailed, domain.Classify(err))
}

func TestExtraction_BestHonoursMinimumConfidence(t *testing.T) {
	src := `contract C {
    uint256 reserveA = 1000;
    uint256 reserveB = 2000;
    uint256 salePrice = 3000000000000000000;
}`
	got, err := New(Config{}).Extract("t", src)
	require.NoError(t, err)
	require.Len(t, got.Prices, 2)

	best, ok := got.Best(domain.ConfidenceMedium)
	require.True(t, ok)
	assert.Equal(t, KindSalePrice, best.Kind)
	assert.True(t, best.Price.Equal(decimal.NewFromInt(3)))

	_, ok = got.Best(domain.ConfidenceHigh)
	assert.False(t, ok)

	best, ok = got.BestIn(domain.ConfidenceLow, domain.QuoteNative)
	require.True(t, ok)
	assert.Equal(t, KindSalePrice, best.Kind)
	_, ok = got.BestIn(domain.ConfidenceLow, domain.QuoteUSD)
	assert.False(t, ok)
}

func TestExtraction_AttributeTo(t *testing.T) {
	src := `contract Listing {
    address constant USDX = 0x3333333333333333333333333333333333333333;
    uint256 public usdxPrice = 1 * 10**18;



    uint256 public price = 5 * 10**18;
}`
	got, err := New(Config{}).Extract("0x2222222222222222222222222222222222222222", src)
	require.NoError(t, err)
	require.Len(t, got.Prices, 2)

	usdx := got.AttributeTo("0x3333333333333333333333333333333333333333", src, 3)
	require.Len(t, usdx.Prices, 1)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", usdx.Prices[0].Token)
	assert.Equal(t, 3, usdx.Prices[0].Line)
	assert.Empty(t, usdx.Patterns)

	assert.False(t, got.AttributeTo("0x4444444444444444444444444444444444444444", src, 3).Found())
	assert.False(t, got.AttributeTo("SYM", src, 3).Found())
}

func TestDetectPatterns(t *testing.T) {
	src := `contract Shop {
    function getPrice() public pure returns (uint256) {
        return 5000;
    }
    function sync() external {
        price = reserve1 / reserve0;
    }
    function drain(address to) external {
        token.transfer(to, token.balanceOf(address(this)));
        router.swapExactTokensForTokens(a, 0, path, to, block.timestamp);
    }
}`
	found := DetectPatterns(src)
	kinds := make([]domain.VulnerabilityKind, 0, len(found))
	for _, f := range found {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []domain.VulnerabilityKind{
		domain.VulnFixedPriceOracle,
		domain.VulnNoSlippage,
		domain.VulnFlashLoanVector,
		domain.VulnReserveBasedPrice,
	}, kinds)
	assert.Equal(t, "line 2", found[0].Location)
}

func TestDetectPatterns_GuardedContract(t *testing.T) {
	src := `contract Safe is ReentrancyGuard {
    function drain(address to) external nonReentrant {
        token.transfer(to, token.balanceOf(address(this)));
    }
}`
	assert.Empty(t, DetectPatterns(src))
}
