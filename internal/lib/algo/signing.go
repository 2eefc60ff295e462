package algo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
)

// confirmationRounds is how many rounds SendAndWait waits for a transaction to be confirmed.
const confirmationRounds = 10

// SendAndWait submits signed transaction bytes and blocks until they are confirmed.
func SendAndWait(ctx context.Context, log *slog.Logger, algoClient *algod.Client, txnBytes []byte) (models.PendingTransactionInfoResponse, error) {
	txid, err := algoClient.SendRawTransaction(txnBytes).Do(ctx)
	if err != nil {
		return models.PendingTransactionInfoResponse{}, fmt.Errorf("failed to send txns: %w", err)
	}
	log.Debug("SendAndWait", "txid", txid)
	resp, err := transaction.WaitForConfirmation(algoClient, txid, confirmationRounds, ctx)
	if err != nil {
		return models.PendingTransactionInfoResponse{}, fmt.Errorf("failure in confirmation wait for %s: %w", txid, err)
	}
	log.Debug("SendAndWait", "txid", txid, "confirmed-round", resp.ConfirmedRound)
	return resp, nil
}
