package sol

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// txPlan collects the instructions that surround a program instruction:
// account creation and SOL wrapping before it, unwrapping after it.
type txPlan struct {
	pre     []solana.Instruction
	post    []solana.Instruction
	created map[solana.PublicKey]struct{}
}

func (p *txPlan) ensureATA(payer, owner, mint solana.PublicKey, exists bool) error {
	if exists {
		return nil
	}
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return err
	}
	if _, ok := p.created[ata]; ok {
		return nil
	}
	ix, err := newCreateATAInstruction(payer, owner, mint)
	if err != nil {
		return err
	}
	if p.created == nil {
		p.created = make(map[solana.PublicKey]struct{})
	}
	p.created[ata] = struct{}{}
	p.pre = append(p.pre, ix)
	return nil
}

// wrapSOL moves lamports into the owner's wrapped SOL account and syncs its token balance.
func (p *txPlan) wrapSOL(owner, wsolAccount solana.PublicKey, lamports uint64) error {
	if lamports == 0 {
		return nil
	}
	transferIx, err := system.NewTransferInstruction(lamports, owner, wsolAccount).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("build wrap transfer instruction: %w", err)
	}
	syncIx, err := token.NewSyncNativeInstruction(wsolAccount).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("build sync native instruction: %w", err)
	}
	p.pre = append(p.pre, transferIx, syncIx)
	return nil
}

// unwrapSOL closes the wrapped SOL account so its whole balance returns to the owner as lamports.
func (p *txPlan) unwrapSOL(owner, wsolAccount solana.PublicKey) error {
	closeIx, err := token.NewCloseAccountInstruction(wsolAccount, owner, owner, []solana.PublicKey{}).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("build close wrapped SOL instruction: %w", err)
	}
	p.post = append(p.post, closeIx)
	return nil
}

func (p *txPlan) instructions(programIx solana.Instruction) []solana.Instruction {
	out := make([]solana.Instruction, 0, len(p.pre)+1+len(p.post))
	out = append(out, p.pre...)
	out = append(out, programIx)
	out = append(out, p.post...)
	return out
}

func isWrappedSOL(mint solana.PublicKey) bool {
	return mint.Equals(WrappedSOLMint)
}
