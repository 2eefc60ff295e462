package algo

import (
	"fmt"
	"os"
	"strings"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

type NetworkConfig struct {
	Network     string
	NodeDataDir string

	NodeURL     string
	NodeToken   string
	NodeHeaders map[string]string

	// MinterAccount is the address that creates reward assets; its mnemonic must be loaded into the key store.
	MinterAccount string
}

func (n NetworkConfig) String() string {
	return fmt.Sprintf("Network: %s, NodeDataDir: %s, NodeURL: %s, NodeToken: (length:%d), NodeHeaders: %v, MinterAccount: %s",
		n.Network, n.NodeDataDir, n.NodeURL, len(n.NodeToken), n.NodeHeaders, n.MinterAccount)
}

func GetNetworkConfig(network string) NetworkConfig {
	cfg := getDefaults(network)

	if nodeDataDir := os.Getenv("ALGORAND_DATA"); nodeDataDir != "" {
		cfg.NodeDataDir = nodeDataDir
	}
	if account := os.Getenv("ALGO_MINTER_ACCOUNT"); account != "" {
		cfg.MinterAccount = account
	}

	if nodeURL := misc.GetSecret("ALGO_ALGOD_URL"); nodeURL != "" {
		cfg.NodeURL = nodeURL
	}
	if nodeToken := misc.GetSecret("ALGO_ALGOD_TOKEN"); nodeToken != "" {
		cfg.NodeToken = nodeToken
	}
	// ALGO_ALGOD_ADMIN_TOKEN takes precedence for the node token
	if token := misc.GetSecret("ALGO_ALGOD_ADMIN_TOKEN"); token != "" {
		cfg.NodeToken = token
	}
	cfg.NodeHeaders = parseHeaders(misc.GetSecret("ALGO_ALGOD_HEADERS"))
	return cfg
}

// parseHeaders parses key:value[,key:value...] pairs. Only the first : splits, values may contain more.
func parseHeaders(s string) map[string]string {
	headers := map[string]string{}
	for _, header := range strings.Split(s, ",") {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return headers
}

func getDefaults(network string) NetworkConfig {
	cfg := NetworkConfig{Network: network}
	switch network {
	case "mainnet":
		cfg.NodeURL = "https://mainnet-api.algonode.cloud"
	case "testnet":
		cfg.NodeURL = "https://testnet-api.algonode.cloud"
	case "betanet":
		cfg.NodeURL = "https://betanet-api.algonode.cloud"
	case "sandbox":
		cfg.NodeURL = "http://localhost:4001"
		cfg.NodeToken = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	case "voitestnet":
		cfg.NodeURL = "https://testnet-api.voi.nodely.io"
	}
	return cfg
}

// GetNetAndTokenFromFiles reads the address and token from files in the local Algorand data directory.
func GetNetAndTokenFromFiles(netFile, tokenFile string) (string, string, error) {
	netPath, err := os.ReadFile(netFile)
	if err != nil {
		return "", "", fmt.Errorf("error reading file: %s: %w", netFile, err)
	}
	apiKeyBytes, err := os.ReadFile(tokenFile)
	if err != nil {
		return "", "", fmt.Errorf("error reading file: %s: %w", tokenFile, err)
	}
	apiURL := fmt.Sprintf("http://%s", strings.TrimSpace(string(netPath)))
	apiToken := strings.TrimSpace(string(apiKeyBytes))
	return apiURL, apiToken, nil
}
