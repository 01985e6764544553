package types

import "math/big"

// Network represents a supported EVM chain by name.
type Network string

const (
	NetworkEthereum        Network = "ethereum"
	NetworkSepolia         Network = "sepolia" // testnet
	NetworkBase            Network = "base"
	NetworkBaseSepolia     Network = "base-sepolia" // testnet
	NetworkOptimism        Network = "optimism"
	NetworkOptimismSepolia Network = "optimism-sepolia" // testnet
	NetworkArbitrum        Network = "arbitrum"
	NetworkArbitrumSepolia Network = "arbitrum-sepolia" // testnet
	NetworkPolygon         Network = "polygon"
	NetworkPolygonAmoy     Network = "polygon-amoy" // testnet
	NetworkZora            Network = "zora"
	NetworkDegen           Network = "degen"
)

var networkChainIDs = map[Network]int64{
	NetworkEthereum:        1,
	NetworkSepolia:         11155111,
	NetworkBase:            8453,
	NetworkBaseSepolia:     84532,
	NetworkOptimism:        10,
	NetworkOptimismSepolia: 11155420,
	NetworkArbitrum:        42161,
	NetworkArbitrumSepolia: 421614,
	NetworkPolygon:         137,
	NetworkPolygonAmoy:     80002,
	NetworkZora:            7777777,
	NetworkDegen:           666666666,
}

var testnets = map[Network]bool{
	NetworkSepolia:         true,
	NetworkBaseSepolia:     true,
	NetworkOptimismSepolia: true,
	NetworkArbitrumSepolia: true,
	NetworkPolygonAmoy:     true,
}

// ChainID returns the EIP-155 chain id of a known network.
func (n Network) ChainID() (int64, bool) {
	id, ok := networkChainIDs[n]
	return id, ok
}

// BigChainID is ChainID as a *big.Int, nil for unknown networks.
func (n Network) BigChainID() *big.Int {
	id, ok := networkChainIDs[n]
	if !ok {
		return nil
	}
	return big.NewInt(id)
}

func (n Network) IsTestnet() bool {
	return testnets[n]
}

func (n Network) IsKnown() bool {
	_, ok := networkChainIDs[n]
	return ok
}

func (n Network) String() string {
	return string(n)
}

// NetworkForChainID looks a network up by chain id.
func NetworkForChainID(chainID int64) (Network, bool) {
	for n, id := range networkChainIDs {
		if id == chainID {
			return n, true
		}
	}
	return "", false
}

// IsTestnetChain reports whether chainID belongs to a known testnet.
func IsTestnetChain(chainID int64) bool {
	n, ok := NetworkForChainID(chainID)
	return ok && n.IsTestnet()
}

// SupportedNetworks lists every network with a known chain id.
func SupportedNetworks() []Network {
	out := make([]Network, 0, len(networkChainIDs))
	for n := range networkChainIDs {
		out = append(out, n)
	}
	return out
}
