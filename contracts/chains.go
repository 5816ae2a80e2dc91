package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/ethereum/go-ethereum/common"
)

type chainEntry struct {
	ChainId   config.ChainId    `json:"chainId"`
	Contracts map[string]string `json:"contracts"`
}

// GetContractAddress looks up the well-known deployment of contractName on chainId.
func GetContractAddress(contractName string, version string, chainId config.ChainId) (common.Address, error) {
	mapPath := fmt.Sprintf("abi/%s/chain-contracts.json", version)
	bytes, err := abis.ReadFile(mapPath)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read chain-contracts.json: %w", err)
	}

	var entries []chainEntry
	if err := json.Unmarshal(bytes, &entries); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse chain-contracts.json: %w", err)
	}

	for _, entry := range entries {
		if entry.ChainId == chainId {
			addrStr := entry.Contracts[contractName]
			if addrStr == "" {
				return common.Address{}, fmt.Errorf("no address for contract %s on chain %d", contractName, chainId)
			}
			return common.HexToAddress(addrStr), nil
		}
	}

	return common.Address{}, fmt.Errorf("no address found for contract %s on chain %d", contractName, chainId)
}
