// Package types holds the canonical data model of the node: messages and
// their content schemas, pipeline statuses, chain transactions, stored
// files and cost records. Every other package depends on it; it depends
// on nothing inside the module.
package types

// Chain identifies the network a message sender belongs to. The value is
// carried verbatim in the message wire format.
type Chain string

const (
	ChainArbitrum   Chain = "ARB"
	ChainAvalanche  Chain = "AVAX"
	ChainBase       Chain = "BASE"
	ChainBlast      Chain = "BLAST"
	ChainBob        Chain = "BOB"
	ChainBsc        Chain = "BSC"
	ChainCyber      Chain = "CYBER"
	ChainEthereum   Chain = "ETH"
	ChainFraxtal    Chain = "FRAX"
	ChainLinea      Chain = "LINEA"
	ChainLisk       Chain = "LISK"
	ChainMetis      Chain = "METIS"
	ChainMode       Chain = "MODE"
	ChainNeo        Chain = "NEO"
	ChainNuls       Chain = "NULS"
	ChainNuls2      Chain = "NULS2"
	ChainOptimism   Chain = "OP"
	ChainPolygon    Chain = "POL"
	ChainSolana     Chain = "SOL"
	ChainSonic      Chain = "SONIC"
	ChainTezos      Chain = "TEZOS"
	ChainWorldchain Chain = "WLD"
	ChainZora       Chain = "ZORA"
	ChainCosmos     Chain = "CSDK"
	ChainSubstrate  Chain = "DOT"
)

// EvmChains lists every chain whose addresses and signatures follow the
// Ethereum personal-sign scheme. They all share one verifier. Avalanche is
// absent: aleph messages from AVAX use the native X-chain address format,
// not the C-chain EVM one.
var EvmChains = []Chain{
	ChainArbitrum, ChainBase, ChainBlast, ChainBob,
	ChainBsc, ChainCyber, ChainEthereum, ChainFraxtal, ChainLinea,
	ChainLisk, ChainMetis, ChainMode, ChainOptimism, ChainPolygon,
	ChainSonic, ChainWorldchain, ChainZora,
}
