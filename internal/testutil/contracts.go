package testutil

// Sample contract bodies matching configs/contracts.
var (
	BTCContract = []byte(`name: Bitcoin
symbol: BTC
scale: 3
terms: Redeemable one to one for bitcoin held by the issuer.
`)
	SilverContract = []byte(`name: Silver Grams
symbol: sg
scale: 0
terms: One unit is one gram of silver.
`)
)
