package config

// chainNames maps chain IDs to their names
var chainNames = map[int64]string{
	1:     "ETHEREUM",
	10:    "OPTIMISM",
	137:   "POLYGON",
	8453:  "BASE",
	42161: "ARBITRUM",
	84532: "BASE_SEPOLIA",
	1337:  "LOCAL",
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int64) string {
	name, exists := chainNames[chainID]
	if !exists {
		return "UNKNOWN"
	}
	return name
}
