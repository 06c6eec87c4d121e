package types

// Network is a chain-namespaced blockchain identifier.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
)

// ChainInfo is the chain-level lookup for a supported network: public RPC
// endpoint, canonical USDC contract and block explorer. Deployments can
// override the RPC endpoint; the rest is fixed per chain.
type ChainInfo struct {
	ChainID  int64
	RPCURL   string
	USDC     string
	Explorer string
}

// Chains is the registry of supported networks.
var Chains = map[Network]ChainInfo{
	NetworkBase: {
		ChainID:  8453,
		RPCURL:   "https://mainnet.base.org",
		USDC:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Explorer: "https://basescan.org",
	},
	NetworkBaseSepolia: {
		ChainID:  84532,
		RPCURL:   "https://sepolia.base.org",
		USDC:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Explorer: "https://sepolia.basescan.org",
	},
	NetworkPolygon: {
		ChainID:  137,
		RPCURL:   "https://polygon-rpc.com",
		USDC:     "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Explorer: "https://polygonscan.com",
	},
	NetworkPolygonAmoy: {
		ChainID:  80002,
		RPCURL:   "https://rpc-amoy.polygon.technology",
		USDC:     "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Explorer: "https://amoy.polygonscan.com",
	},
}

// EVMChainIDs maps supported networks to their EVM chain ids, used when
// building EIP-712 signing domains.
var EVMChainIDs = func() map[Network]int64 {
	ids := make(map[Network]int64, len(Chains))
	for n, info := range Chains {
		ids[n] = info.ChainID
	}
	return ids
}()

// Info returns the chain registry entry for the network.
func (n Network) Info() (ChainInfo, bool) {
	info, ok := Chains[n]
	return info, ok
}

func (n Network) String() string {
	return string(n)
}

// IsEVM reports whether the network has a known EVM chain id.
func (n Network) IsEVM() bool {
	_, ok := EVMChainIDs[n]
	return ok
}

// IsTestnet reports whether the network is a test network.
func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia || n == NetworkPolygonAmoy
}
