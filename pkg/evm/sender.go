package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Submit signs and sends each transaction in order, waiting for every receipt
// before sending the next.
func (c *Client) Submit(ctx context.Context, result *BuildResult) ([]*types.Receipt, error) {
	if c.key == nil {
		return nil, ErrMissingSigner
	}
	if result.From != c.from {
		return nil, fmt.Errorf("built for %s, signer %s: %w", result.From, c.from, ErrSignerMismatch)
	}

	signer := types.LatestSignerForChainID(c.cfg.ChainID)
	receipts := make([]*types.Receipt, 0, len(result.Transactions))
	for _, item := range result.Transactions {
		signedTx, err := types.SignTx(item.Tx, signer, c.key)
		if err != nil {
			return receipts, fmt.Errorf("failed to sign %s transaction: %w", item.Label, err)
		}
		if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
			return receipts, fmt.Errorf("failed to send %s transaction: %w", item.Label, err)
		}
		c.logger.Debug("transaction sent", "label", item.Label, "tx", signedTx.Hash())

		receiptCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
		receipt, err := c.waitForReceipt(receiptCtx, signedTx.Hash())
		cancel()
		if err != nil {
			return receipts, fmt.Errorf("failed to get %s receipt %s: %w", item.Label, signedTx.Hash(), err)
		}
		receipts = append(receipts, receipt)
		if receipt.Status != types.ReceiptStatusSuccessful {
			return receipts, fmt.Errorf("%s %s: %w", item.Label, signedTx.Hash(), ErrReverted)
		}
		c.logger.Info("transaction mined", "label", item.Label, "tx", signedTx.Hash(), "block", receipt.BlockNumber)
	}
	return receipts, nil
}

func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, txHash)
			if err == nil {
				return receipt, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				c.logger.Debug("receipt lookup failed", "tx", txHash, "err", err)
			}
		}
	}
}

// OfferIDFromReceipt extracts the id from the NewOffer event emitted by contract.
func OfferIDFromReceipt(receipt *types.Receipt, contract common.Address) (*big.Int, error) {
	return indexedIDFromReceipt(receipt, contract, "NewOffer")
}

func OrderIDFromReceipt(receipt *types.Receipt, contract common.Address) (*big.Int, error) {
	return indexedIDFromReceipt(receipt, contract, "NewOrder")
}

func indexedIDFromReceipt(receipt *types.Receipt, contract common.Address, eventName string) (*big.Int, error) {
	eventID := preMarketABI.Events[eventName].ID
	for _, log := range receipt.Logs {
		if log.Address != contract || len(log.Topics) < 2 || log.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes()), nil
	}
	return nil, fmt.Errorf("%s event not found in receipt: %w", eventName, ErrNotFound)
}

// EncodeUnsigned returns the typed-transaction encoding for an external wallet.
func EncodeUnsigned(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return hexutil.Encode(raw), nil
}
