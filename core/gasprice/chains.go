package gasprice

import (
	"math/big"

	"github.com/AvaProtocol/ap-bundler/pkg/units"
)

const (
	ChainMainnet         = 1
	ChainPolygon         = 137
	ChainMantle          = 5000
	ChainBase            = 8453
	ChainPolygonMumbai   = 80001
	ChainCelo            = 42220
	ChainArbitrum        = 42161
	ChainAvalanche       = 43114
	ChainCeloAlfajores   = 44787
	ChainDFK             = 53935
	ChainArbitrumGoerli  = 421613
	ChainScrollSepolia   = 534351
	ChainScroll          = 534352
	ChainSepolia         = 11155111
	chainUnnamedVolatile = 22222
)

const (
	polygonGasStation = "https://gasstation.polygon.technology/v2"
	mumbaiGasStation  = "https://gasstation-testnet.polygon.technology/v2"
)

// BumpMultiplier returns the percentage applied to fetched fees on a chain
func BumpMultiplier(chainID int64) int64 {
	switch chainID {
	case ChainCelo:
		return 150
	case ChainArbitrum, ChainScroll, ChainScrollSepolia, ChainArbitrumGoerli, ChainMainnet,
		ChainMantle, chainUnnamedVolatile, ChainSepolia, ChainBase, ChainDFK, ChainCeloAlfajores, ChainAvalanche:
		return 111
	}
	return 100
}

func isPolygon(chainID int64) bool {
	return chainID == ChainPolygon || chainID == ChainPolygonMumbai
}

func gasStationURL(chainID int64) string {
	if chainID == ChainPolygonMumbai {
		return mumbaiGasStation
	}
	return polygonGasStation
}

// minPriorityFee is the priority fee floor of a chain, zero when it has none
func minPriorityFee(chainID int64) *big.Int {
	switch chainID {
	case ChainPolygon:
		return units.Gwei(31)
	case ChainPolygonMumbai:
		return units.Gwei(1)
	}
	return new(big.Int)
}

// minFee applies to both fee fields on chains whose node suggests too little
func minFee(chainID int64) *big.Int {
	switch chainID {
	case ChainDFK:
		return units.Gwei(5)
	case ChainAvalanche:
		return units.GweiToWei(1.5)
	}
	return nil
}

func isCelo(chainID int64) bool {
	return chainID == ChainCelo || chainID == ChainCeloAlfajores
}
