package config

import "github.com/ethereum/go-ethereum/common"

// EntryPointV06 is the canonical v0.6 EntryPoint deployment, the same address on every chain
var EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
