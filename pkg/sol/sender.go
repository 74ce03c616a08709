package sol

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Submit refreshes the blockhash, signs tx with the configured signer, sends
// it and waits for confirmed commitment.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if c.signer == nil {
		return solana.Signature{}, ErrMissingSigner
	}
	signer := *c.signer
	if !tx.Message.AccountKeys[0].Equals(signer.PublicKey()) {
		return solana.Signature{}, fmt.Errorf("payer %s signer %s: %w", tx.Message.AccountKeys[0], signer.PublicKey(), ErrSignerPayerMismatch)
	}

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	recent, err := c.rpc.GetLatestBlockhash(txCtx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	tx.Message.RecentBlockhash = recent.Value.Blockhash
	tx.Signatures = nil

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if signer.PublicKey().Equals(key) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(txCtx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	c.logger.Debug("transaction sent", "signature", sig)

	if err := c.waitForConfirmation(txCtx, sig); err != nil {
		return sig, fmt.Errorf("confirm %s: %w", sig, err)
	}
	c.logger.Info("transaction confirmed", "signature", sig)
	return sig, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				c.logger.Debug("signature status unavailable", "signature", sig, "err", err)
				continue
			}
			if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

// EncodeUnsigned serializes tx for an external wallet. Signature slots are zero-filled.
func EncodeUnsigned(tx *solana.Transaction) (string, error) {
	clone := *tx
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(clone.Signatures) != required {
		clone.Signatures = make([]solana.Signature, required)
	}
	raw, err := clone.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
