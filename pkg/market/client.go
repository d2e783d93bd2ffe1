package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// TxOutcome is the terminal observation of a submitted transaction.
type TxOutcome string

const (
	TxConfirmed TxOutcome = "confirmed"
	TxFailed    TxOutcome = "failed"
	TxTimeout   TxOutcome = "timeout"
)

const (
	awaitTxAttempts = 30
	awaitTxInterval = 2 * time.Second
)

// Config identifies the program and market this client operates against.
type Config struct {
	Program chain.Pubkey
	Market  chain.Pubkey
	Mint    chain.Pubkey
}

// Client is a thin adapter over the RPC collaborator for the on-chain job
// market: account reads plus the enter/finish/quit/stop instructions.
type Client struct {
	rpc    *chain.Client
	signer *chain.Keypair
	cfg    Config
	logger zerolog.Logger
}

// NewClient creates a market client signing as the given keypair.
func NewClient(rpc *chain.Client, signer *chain.Keypair, cfg Config) *Client {
	return &Client{
		rpc:    rpc,
		signer: signer,
		cfg:    cfg,
		logger: log.WithComponent("market"),
	}
}

// NodeAddress returns the signing node's address.
func (c *Client) NodeAddress() chain.Pubkey {
	return c.signer.Public()
}

// MarketAddress returns the configured market.
func (c *Client) MarketAddress() chain.Pubkey {
	return c.cfg.Market
}

// GetMarket reads the configured market account.
func (c *Client) GetMarket(ctx context.Context) (*types.Market, error) {
	data, err := c.rpc.GetAccountInfo(ctx, c.cfg.Market)
	if err != nil {
		return nil, err
	}
	return decodeMarket(c.cfg.Market, data)
}

// GetJob reads a job account.
func (c *Client) GetJob(ctx context.Context, addr chain.Pubkey) (*types.Job, error) {
	data, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	return decodeJob(addr, data)
}

// GetRun reads a run account.
func (c *Client) GetRun(ctx context.Context, addr chain.Pubkey) (*types.Run, error) {
	data, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	return decodeRun(addr, data)
}

// FindMyRuns enumerates run accounts claimed by this node.
func (c *Client) FindMyRuns(ctx context.Context) (map[chain.Pubkey]*types.Run, error) {
	node := c.signer.Public()
	accounts, err := c.rpc.GetProgramAccounts(ctx, c.cfg.Program,
		chain.MemcmpFilter{Offset: 0, Bytes: accountDiscriminator("RunAccount")},
		chain.MemcmpFilter{Offset: runNodeOffset, Bytes: node[:]},
	)
	if err != nil {
		return nil, err
	}

	runs := make(map[chain.Pubkey]*types.Run, len(accounts))
	for _, acc := range accounts {
		run, err := decodeRun(acc.Pubkey, acc.Data)
		if err != nil {
			return nil, err
		}
		runs[acc.Pubkey] = run
	}
	return runs, nil
}

// EnterMarket submits the work instruction with a fresh run keypair, placing
// the node in the market queue (or claiming the next job directly when the
// queue holds work).
func (c *Client) EnterMarket(ctx context.Context) (string, error) {
	runKey, err := chain.NewKeypair()
	if err != nil {
		return "", err
	}

	vault, err := c.vaultAddress()
	if err != nil {
		return "", err
	}
	accessKey, err := chain.DeriveTokenAddress(c.signer.Public(), c.cfg.Mint)
	if err != nil {
		return "", err
	}

	instr := chain.Instruction{
		Program: c.cfg.Program,
		Accounts: []chain.AccountMeta{
			chain.WritableMeta(c.cfg.Market),
			chain.WritableMeta(vault),
			chain.SignerWritable(runKey.Public()),
			chain.Meta(accessKey),
			chain.SignerWritable(c.signer.Public()),
			chain.Meta(chain.SystemProgramID),
		},
		Data: instructionDiscriminator("work"),
	}

	sig, err := c.send(ctx, []*chain.Keypair{c.signer, runKey}, instr)
	if err != nil {
		return "", fmt.Errorf("enter market: %w", err)
	}
	c.logger.Info().Str("signature", sig).Str("run", runKey.Public().String()).Msg("entered market")
	return sig, nil
}

// FinishJob settles a completed run, publishing the 32-byte result digest.
func (c *Client) FinishJob(ctx context.Context, job, run chain.Pubkey, digest [32]byte) (string, error) {
	vault, err := c.vaultAddress()
	if err != nil {
		return "", err
	}
	deposit, err := chain.DeriveTokenAddress(c.signer.Public(), c.cfg.Mint)
	if err != nil {
		return "", err
	}

	data := append(instructionDiscriminator("finish"), digest[:]...)
	instr := chain.Instruction{
		Program: c.cfg.Program,
		Accounts: []chain.AccountMeta{
			chain.WritableMeta(job),
			chain.WritableMeta(run),
			chain.WritableMeta(c.cfg.Market),
			chain.WritableMeta(vault),
			chain.WritableMeta(deposit),
			chain.SignerWritable(c.signer.Public()),
			chain.Meta(chain.TokenProgramID),
		},
		Data: data,
	}

	sig, err := c.send(ctx, []*chain.Keypair{c.signer}, instr)
	if err != nil {
		return "", fmt.Errorf("finish job: %w", err)
	}
	c.logger.Info().Str("signature", sig).Str("job", job.String()).Msg("finish submitted")
	return sig, nil
}

// QuitJob abandons a claimed run without a result.
func (c *Client) QuitJob(ctx context.Context, run chain.Pubkey) (string, error) {
	runAccount, err := c.GetRun(ctx, run)
	if err != nil {
		return "", err
	}

	instr := chain.Instruction{
		Program: c.cfg.Program,
		Accounts: []chain.AccountMeta{
			chain.WritableMeta(runAccount.Job),
			chain.WritableMeta(run),
			chain.SignerWritable(c.signer.Public()),
		},
		Data: instructionDiscriminator("quit"),
	}

	sig, err := c.send(ctx, []*chain.Keypair{c.signer}, instr)
	if err != nil {
		return "", fmt.Errorf("quit job: %w", err)
	}
	c.logger.Info().Str("signature", sig).Str("run", run.String()).Msg("quit submitted")
	return sig, nil
}

// ExitMarket removes the node from the queue while no run is active.
func (c *Client) ExitMarket(ctx context.Context) (string, error) {
	instr := chain.Instruction{
		Program: c.cfg.Program,
		Accounts: []chain.AccountMeta{
			chain.WritableMeta(c.cfg.Market),
			chain.SignerWritable(c.signer.Public()),
		},
		Data: instructionDiscriminator("stop"),
	}

	sig, err := c.send(ctx, []*chain.Keypair{c.signer}, instr)
	if err != nil {
		return "", fmt.Errorf("exit market: %w", err)
	}
	c.logger.Info().Str("signature", sig).Msg("exited market")
	return sig, nil
}

// AwaitTx polls the signature status every 2 seconds for up to a minute.
func (c *Client) AwaitTx(ctx context.Context, sig string) TxOutcome {
	for attempt := 0; attempt < awaitTxAttempts; attempt++ {
		status, err := c.rpc.GetSignatureStatus(ctx, sig)
		if err != nil {
			c.logger.Warn().Err(err).Str("signature", sig).Msg("signature status lookup failed")
		} else if status != nil {
			if status.Failed() {
				return TxFailed
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return TxConfirmed
			}
		}

		select {
		case <-time.After(awaitTxInterval):
		case <-ctx.Done():
			return TxTimeout
		}
	}
	return TxTimeout
}

func (c *Client) vaultAddress() (chain.Pubkey, error) {
	market := c.cfg.Market
	mint := c.cfg.Mint
	vault, _, err := chain.FindProgramAddress([][]byte{market[:], mint[:]}, c.cfg.Program)
	if err != nil {
		return chain.Pubkey{}, fmt.Errorf("derive vault: %w", err)
	}
	return vault, nil
}

func (c *Client) send(ctx context.Context, signers []*chain.Keypair, instrs ...chain.Instruction) (string, error) {
	blockhash, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := chain.BuildTransaction(signers, blockhash, instrs...)
	if err != nil {
		return "", err
	}
	return c.rpc.SendTransaction(ctx, tx)
}
