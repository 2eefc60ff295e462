package algo

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ssgreg/repeat"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// DefaultValidRoundRange - max valid round range to have transactions be valid for (and to check for confirmation)
const DefaultValidRoundRange = 100

// suggestedParamsAttempts bounds how long a mint waits on an unresponsive node before the keeper
// treats the mint as a transient failure.
const suggestedParamsAttempts = 5

func FormattedAlgoAmount(microAlgos uint64) string {
	formattedAmount := fmt.Sprintf("%.6f", float64(microAlgos)/1000000)
	// chop trailing 0's and decimal (if nothing else)
	formattedAmount = strings.TrimRight(formattedAmount, "0")
	formattedAmount = strings.TrimRight(formattedAmount, ".")
	return formattedAmount
}

func GetAlgoClient(ctx context.Context, log *slog.Logger, config NetworkConfig) (*algod.Client, error) {
	var (
		apiURL     string
		apiToken   string
		apiHeaders []*common.Header
		serverAddr *url.URL
		err        error
	)
	if config.NodeDataDir != "" {
		// Read address and admin token from the node's data directory
		apiURL, apiToken, err = GetNetAndTokenFromFiles(
			filepath.Join(config.NodeDataDir, "algod.net"),
			filepath.Join(config.NodeDataDir, "algod.admin.token"))
		if err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	} else {
		apiURL = config.NodeURL
		apiToken = config.NodeToken
		for key, value := range config.NodeHeaders {
			apiHeaders = append(apiHeaders, &common.Header{
				Key:   key,
				Value: value,
			})
		}
		// Strip off trailing slash if present in url which the Algorand client doesn't handle properly
		apiURL = strings.TrimRight(apiURL, "/")
	}
	serverAddr, err = url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url:%v, error:%w", apiURL, err)
	}
	if serverAddr.Scheme == "tcp" {
		serverAddr.Scheme = "http"
	}
	misc.Infof(log, "Connecting to Algorand node at:%s", serverAddr.String())

	// Override the default transport so parallel mints can share connections to the same host
	customTransport := http.DefaultTransport.(*http.Transport).Clone()
	customTransport.MaxIdleConns = 100
	customTransport.MaxConnsPerHost = 100
	customTransport.MaxIdleConnsPerHost = 100
	client, err := algod.MakeClientWithTransport(serverAddr.String(), apiToken, apiHeaders, customTransport)
	if err != nil {
		return nil, fmt.Errorf(`failed to make algod client (url:%s), error:%w`, serverAddr.String(), err)
	}
	// Immediately hit server to verify connectivity
	if _, err = client.SuggestedParams().Do(ctx); err != nil {
		return nil, fmt.Errorf("failed to get suggested params from algod client, error:%w", err)
	}
	return client, nil
}

// SuggestedParams fetches transaction parameters, retrying a few times before giving up.
func SuggestedParams(ctx context.Context, logger *slog.Logger, client *algod.Client) (types.SuggestedParams, error) {
	var txParams types.SuggestedParams

	err := repeat.Repeat(
		repeat.Fn(func() error {
			var err error
			txParams, err = client.SuggestedParams().Do(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				return repeat.HintTemporary(err)
			}
			return nil
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(suggestedParamsAttempts),
		repeat.FnOnError(func(err error) error {
			misc.Infof(logger, "retrying suggestedparams call, error:%s", err.Error())
			return err
		}),
		repeat.WithDelay(repeat.ExponentialBackoff(500*time.Millisecond).Set()),
	)
	if err != nil {
		return types.SuggestedParams{}, err
	}

	// move FirstRoundValid back 1 just to cover for different nodes maybe being 'slightly' behind - so we
	// don't create a transaction starting at round 100 but the node we submit to is only at round 99
	txParams.FirstRoundValid--
	txParams.LastRoundValid = txParams.FirstRoundValid + DefaultValidRoundRange
	// fixed minimum fee; mints are not worth paying congestion fees for
	txParams.FlatFee = true
	txParams.Fee = types.MicroAlgos(txParams.MinFee)
	return txParams, nil
}

type AccountWithMinBalance struct {
	models.Account
	MinBalance uint64 `json:"min-balance,omitempty"`
}

// GetBareAccount just returns account information without asset data, but also includes the minimum balance that's
// missing from the SDKs.
func GetBareAccount(ctx context.Context, algoClient *algod.Client, account string) (AccountWithMinBalance, error) {
	var response AccountWithMinBalance
	var params = algod.AccountInformationParams{
		Exclude: "all",
	}

	err := (*common.Client)(algoClient).Get(ctx, &response, fmt.Sprintf("/v2/accounts/%s", account), params, nil)
	if err != nil {
		return AccountWithMinBalance{}, err
	}
	return response, nil
}

// FindCreatedAsset returns the id of the asset account created under name, if it still exists.
func FindCreatedAsset(ctx context.Context, algoClient *algod.Client, account string, name string) (uint64, bool, error) {
	info, err := algoClient.AccountInformation(account).Do(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("fetching account %s: %w", account, err)
	}
	for _, asset := range info.CreatedAssets {
		if asset.Params.Name == name {
			return asset.Index, true, nil
		}
	}
	return 0, false, nil
}

func GetVersionString(ctx context.Context, algoClient *algod.Client) (string, error) {
	vers, err := algoClient.Versions().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("error fetching /versions from algod: %w", err)
	}
	return fmt.Sprintf("%d.%d.%d %s [%s]", vers.Build.Major, vers.Build.Minor, vers.Build.BuildNumber, vers.Build.Branch, vers.Build.CommitHash), nil
}
