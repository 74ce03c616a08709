// Package sol builds and reads transactions for the pre_market Anchor program.
package sol

import (
	"crypto/sha256"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotFound            = errors.New("account not found")
	ErrDiscriminator       = errors.New("account discriminator mismatch")
	ErrTokenNotActive      = errors.New("token is not active")
	ErrTokenNotSettling    = errors.New("token is not in settlement")
	ErrExTokenNotAccepted  = errors.New("exchange token is not accepted")
	ErrOfferNotOpen        = errors.New("offer is not open")
	ErrOrderNotOpen        = errors.New("order is not open")
	ErrNotOfferOwner       = errors.New("signer does not own the offer")
	ErrNotOrderParty       = errors.New("signer is not the expected order party")
	ErrSettleWindowClosed  = errors.New("settlement window has closed")
	ErrSettleWindowOpen    = errors.New("settlement window is still open")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrFullMatchRequired   = errors.New("offer requires a full match")
	ErrIncompatibleOffers  = errors.New("offers cannot be matched")
	ErrMissingSigner       = errors.New("no signer configured")
	ErrSignerPayerMismatch = errors.New("signer does not match transaction fee payer")
	ErrTransactionFailed   = errors.New("transaction failed")
)

// WrappedSOLMint is the native mint; deposits in SOL go through a wrapped account.
var WrappedSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

const NativeSOLDecimals uint8 = 9

const (
	seedConfig     = "config_account"
	seedToken      = "token"
	seedExToken    = "ex_token"
	seedVaultToken = "vault_token"
	seedOffer      = "offer"
	seedOrder      = "order"
)

var (
	createOfferDisc     = anchorInstructionDiscriminator("create_offer")
	fillOfferDisc       = anchorInstructionDiscriminator("fill_offer")
	cancelOfferDisc     = anchorInstructionDiscriminator("cancel_unfilled_offer")
	matchOffersDisc     = anchorInstructionDiscriminator("match_offers")
	settleFilledDisc    = anchorInstructionDiscriminator("settle_filled")
	settleCancelledDisc = anchorInstructionDiscriminator("settle_cancelled")

	configAccountDisc      = anchorAccountDiscriminator("ConfigAccount")
	tokenConfigAccountDisc = anchorAccountDiscriminator("TokenConfigAccount")
	exTokenAccountDisc     = anchorAccountDiscriminator("ExTokenAccount")
	offerAccountDisc       = anchorAccountDiscriminator("OfferAccount")
	orderAccountDisc       = anchorAccountDiscriminator("OrderAccount")
)

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func anchorAccountDiscriminator(accountName string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + accountName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
