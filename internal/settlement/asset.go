package settlement

import "fmt"

// Asset identifies a settlement asset the payment layer can quote and move.
type Asset string

const (
	// AssetSOL is the network's native coin, denominated in lamports.
	AssetSOL Asset = "SOL"
	// AssetUSDC is the USDC fungible token.
	AssetUSDC Asset = "USDC"
	// AssetUSDT is the USDT fungible token.
	AssetUSDT Asset = "USDT"
)

// Decimals returns the number of decimal places in the asset's smallest unit.
func (a Asset) Decimals() (int, error) {
	switch a {
	case AssetSOL:
		return 9, nil
	case AssetUSDC, AssetUSDT:
		return 6, nil
	default:
		return 0, fmt.Errorf("unsupported asset %q", a)
	}
}

// IsNative reports whether the asset is the network's native coin rather than
// a token-program mint.
func (a Asset) IsNative() bool {
	return a == AssetSOL
}

// SupportedAssets lists every asset the payment layer accepts.
func SupportedAssets() []Asset {
	return []Asset{AssetSOL, AssetUSDC, AssetUSDT}
}
